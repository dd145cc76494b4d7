package cache

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// TieredStore is the Store used by the engine: memory LRU in front of the
// persistent disk tier, both bounded by one Budget.
type TieredStore struct {
	budget Budget
	policy AdmissionPolicy
	memory *memoryTier
	disk   *diskTier
	locks  *keyLocks
	logger *logrus.Logger
}

// NewStore opens (or creates) the store under budget.StoragePath. Zero budget
// fields fall back to the defaults.
func NewStore(budget Budget, logger *logrus.Logger) (*TieredStore, error) {
	budget = budget.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	locks := newKeyLocks()
	disk, err := openDiskTier(budget.StoragePath, budget.DiskCapacityBytes, locks)
	if err != nil {
		return nil, err
	}

	return &TieredStore{
		budget: budget,
		policy: NewAdmissionPolicy(budget),
		memory: newMemoryTier(budget.MemoryCapacityBytes),
		disk:   disk,
		locks:  locks,
		logger: logger,
	}, nil
}

// Budget returns the immutable capacities the store was built with.
func (s *TieredStore) Budget() Budget {
	return s.budget
}

// Policy returns the admission policy applied by Put.
func (s *TieredStore) Policy() AdmissionPolicy {
	return s.policy
}

func (s *TieredStore) Lookup(ctx context.Context, id string) (*Entry, bool) {
	if entry, ok := s.memory.get(id); ok {
		return entry, true
	}

	unlock := s.locks.rlock(id)
	defer unlock()

	entry, err := s.disk.get(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return nil, false
	default:
		s.logger.WithError(err).WithField("resource_id", id).Warn("cache_disk_read_failed")
		return nil, false
	}

	// promote while still holding the read lock so a concurrent Put cannot be
	// overwritten by this older copy
	s.memory.put(entry)
	return entry, true
}

func (s *TieredStore) Put(ctx context.Context, entry Entry, forceAdmission bool) bool {
	entry.SizeBytes = int64(len(entry.Payload))
	if err := s.policy.Admit(entry.SizeBytes, forceAdmission); err != nil {
		s.logger.WithFields(logrus.Fields{
			"resource_id": entry.ID,
			"size":        entry.SizeBytes,
			"limit":       s.policy.Limit(),
		}).Debug("cache_put_rejected")
		return false
	}

	if !s.putLocked(ctx, &entry) {
		return false
	}

	evicted, err := s.disk.evict(ctx, entry.ID)
	if err != nil {
		s.logger.WithError(err).WithField("resource_id", entry.ID).Warn("cache_disk_evict_failed")
	}
	if len(evicted) > 0 {
		s.logger.WithFields(logrus.Fields{
			"tier":    "disk",
			"evicted": len(evicted),
		}).Debug("cache_evicted")
	}
	return true
}

func (s *TieredStore) putLocked(ctx context.Context, entry *Entry) bool {
	unlock := s.locks.lock(entry.ID)
	defer unlock()

	if err := s.disk.put(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("resource_id", entry.ID).Warn("cache_disk_write_failed")
		return false
	}
	if _, evicted := s.memory.put(entry); len(evicted) > 0 {
		s.logger.WithFields(logrus.Fields{
			"tier":    "memory",
			"evicted": len(evicted),
		}).Debug("cache_evicted")
	}
	return true
}

func (s *TieredStore) Remove(ctx context.Context, id string) bool {
	unlock := s.locks.lock(id)
	defer unlock()

	inMemory := s.memory.remove(id)
	onDisk, err := s.disk.remove(ctx, id)
	if err != nil {
		s.logger.WithError(err).WithField("resource_id", id).Warn("cache_disk_remove_failed")
	}
	return inMemory || onDisk
}

func (s *TieredStore) Stats() Stats {
	stats := Stats{
		MemoryLimit: s.budget.MemoryCapacityBytes,
		DiskLimit:   s.budget.DiskCapacityBytes,
		AdmitLimit:  s.policy.Limit(),
	}
	stats.MemoryEntries, stats.MemoryBytes = s.memory.usage()
	count, bytes, err := s.disk.usage(context.Background())
	if err != nil {
		s.logger.WithError(err).Warn("cache_stats_failed")
		return stats
	}
	stats.DiskEntries, stats.DiskBytes = count, bytes
	return stats
}

func (s *TieredStore) Close() error {
	return s.disk.close()
}

var _ Store = (*TieredStore)(nil)
