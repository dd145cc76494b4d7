package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Budget defaults.
const (
	DefaultMemoryCapacity    int64   = 4 * 1024 * 1024
	DefaultDiskCapacity      int64   = 200 * 1024 * 1024
	DefaultStoragePath               = "cached_resources"
	DefaultAdmissionFraction float64 = 0.05
)

var (
	// ErrNotFound reports a cache miss inside the tiers.
	ErrNotFound = errors.New("cache entry not found")
	// ErrAdmissionRejected reports an entry refused by the admission policy.
	ErrAdmissionRejected = errors.New("cache admission rejected")
)

// Store is the shared resource cache. Implementations must be safe for
// concurrent use; a reader never observes a partially written entry.
type Store interface {
	// Lookup returns a copy of the entry for id from either tier. It never
	// touches the network.
	Lookup(ctx context.Context, id string) (*Entry, bool)

	// Put inserts or replaces the entry. It returns false when the entry was
	// not stored, either because admission was refused or a tier failed.
	Put(ctx context.Context, entry Entry, forceAdmission bool) bool

	// Remove drops id from both tiers and reports whether anything was removed.
	Remove(ctx context.Context, id string) bool

	// Stats reports current tier usage.
	Stats() Stats

	Close() error
}

// Budget fixes the capacities of a Store. It is immutable once the store is
// built.
type Budget struct {
	MemoryCapacityBytes int64
	DiskCapacityBytes   int64
	StoragePath         string
	// AdmissionFraction is the largest share of DiskCapacityBytes a single
	// entry may occupy without forced admission.
	AdmissionFraction float64
}

// DefaultBudget returns 4 MiB memory, 200 MiB disk under "cached_resources".
func DefaultBudget() Budget {
	return Budget{
		MemoryCapacityBytes: DefaultMemoryCapacity,
		DiskCapacityBytes:   DefaultDiskCapacity,
		StoragePath:         DefaultStoragePath,
		AdmissionFraction:   DefaultAdmissionFraction,
	}
}

func (b Budget) withDefaults() Budget {
	if b.MemoryCapacityBytes <= 0 {
		b.MemoryCapacityBytes = DefaultMemoryCapacity
	}
	if b.DiskCapacityBytes <= 0 {
		b.DiskCapacityBytes = DefaultDiskCapacity
	}
	if strings.TrimSpace(b.StoragePath) == "" {
		b.StoragePath = DefaultStoragePath
	}
	if b.AdmissionFraction <= 0 || b.AdmissionFraction > 1 {
		b.AdmissionFraction = DefaultAdmissionFraction
	}
	return b
}

// Validators are the conditional request inputs extracted from a stored
// response. At most one of them is sent per revalidation, ETag first.
type Validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// ValidatorsFromHeader extracts ETag and Last-Modified once, at entry creation.
func ValidatorsFromHeader(header http.Header) Validators {
	if header == nil {
		return Validators{}
	}
	return Validators{
		ETag:         strings.TrimSpace(header.Get("Etag")),
		LastModified: strings.TrimSpace(header.Get("Last-Modified")),
	}
}

// Empty reports whether no validator is available.
func (v Validators) Empty() bool {
	return v.ETag == "" && v.LastModified == ""
}

// Conditional returns the request header and value to send, preferring ETag.
// Both are empty when there is nothing to revalidate with.
func (v Validators) Conditional() (string, string) {
	switch {
	case v.ETag != "":
		return "If-None-Match", v.ETag
	case v.LastModified != "":
		return "If-Modified-Since", v.LastModified
	default:
		return "", ""
	}
}

// Entry is one cached HTTP response.
type Entry struct {
	ID         string
	Payload    []byte
	StatusCode int
	Header     http.Header
	Validators Validators
	SizeBytes  int64
	StoredAt   time.Time
	LastAccess time.Time
}

// NewEntry builds an entry from a downloaded response, deriving the size and
// validators eagerly.
func NewEntry(id string, statusCode int, header http.Header, payload []byte) Entry {
	return Entry{
		ID:         id,
		Payload:    payload,
		StatusCode: statusCode,
		Header:     header.Clone(),
		Validators: ValidatorsFromHeader(header),
		SizeBytes:  int64(len(payload)),
	}
}

// clone deep-copies the payload and header so tiers never share slices with
// callers.
func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	cp.Header = e.Header.Clone()
	return &cp
}

// Stats is a usage snapshot of both tiers.
type Stats struct {
	MemoryEntries int   `json:"memory_entries"`
	MemoryBytes   int64 `json:"memory_bytes"`
	MemoryLimit   int64 `json:"memory_limit"`
	DiskEntries   int   `json:"disk_entries"`
	DiskBytes     int64 `json:"disk_bytes"`
	DiskLimit     int64 `json:"disk_limit"`
	AdmitLimit    int64 `json:"admission_limit"`
}
