package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	blobDir         = "blobs"
	tempPrefix      = ".cache-"
	evictBatchLimit = 32
)

// diskTier keeps payload blobs under <root>/blobs/<hh>/<hash> and their
// metadata in the sqlite index. Callers hold the keyLocks entry for the id;
// eviction takes victim locks itself.
type diskTier struct {
	root     string
	capacity int64
	index    *sqliteIndex
	locks    *keyLocks
	now      func() time.Time

	evictMu sync.Mutex
}

func openDiskTier(basePath string, capacity int64, locks *keyLocks) (*diskTier, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, blobDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	index, err := openIndex(abs)
	if err != nil {
		return nil, err
	}

	d := &diskTier{
		root:     abs,
		capacity: capacity,
		index:    index,
		locks:    locks,
		now:      time.Now,
	}
	d.sweepTempFiles()
	return d, nil
}

func (d *diskTier) get(ctx context.Context, id string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row, err := d.index.get(ctx, id)
	if err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(d.blobPath(row.Blob))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			_, _ = d.index.delete(ctx, id)
			return nil, ErrNotFound
		}
		return nil, err
	}
	if int64(len(payload)) != row.Size {
		// blob and index disagree; drop both rather than serve a torn entry
		d.removeFiles(ctx, row)
		return nil, ErrNotFound
	}

	accessed := d.now().UTC()
	if err := d.index.touch(ctx, id, accessed); err != nil {
		return nil, err
	}

	return &Entry{
		ID:         row.ID,
		Payload:    payload,
		StatusCode: row.Status,
		Header:     row.Header,
		Validators: row.Validators,
		SizeBytes:  row.Size,
		StoredAt:   row.StoredAt,
		LastAccess: accessed,
	}, nil
}

func (d *diskTier) put(ctx context.Context, entry *Entry) error {
	name := blobName(entry.ID)
	filePath := d.blobPath(name)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, bytes.NewReader(entry.Payload))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}

	now := d.now().UTC()
	row := indexRow{
		ID:         entry.ID,
		Blob:       name,
		Size:       written,
		Status:     entry.StatusCode,
		Header:     entry.Header,
		Validators: entry.Validators,
		StoredAt:   now,
		LastAccess: now,
	}
	if err := d.index.upsert(ctx, row); err != nil {
		// the blob was already replaced, so the old row no longer matches it
		d.removeFiles(context.Background(), row)
		return fmt.Errorf("index entry: %w", err)
	}
	entry.StoredAt = now
	entry.LastAccess = now
	return nil
}

func (d *diskTier) remove(ctx context.Context, id string) (bool, error) {
	existed, err := d.index.delete(ctx, id)
	if err != nil {
		return false, err
	}
	if err := os.Remove(d.blobPath(blobName(id))); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

// evict drops least recently used entries other than keep until the tier
// fits its capacity. It returns the evicted ids.
func (d *diskTier) evict(ctx context.Context, keep string) ([]string, error) {
	d.evictMu.Lock()
	defer d.evictMu.Unlock()

	var evicted []string
	for {
		_, used, err := d.index.usage(ctx)
		if err != nil {
			return evicted, err
		}
		if used <= d.capacity {
			return evicted, nil
		}

		victims, err := d.index.oldest(ctx, keep, evictBatchLimit)
		if err != nil {
			return evicted, err
		}
		if len(victims) == 0 {
			return evicted, nil
		}

		progressed := false
		for _, victim := range victims {
			unlock := d.locks.lock(victim.ID)
			removed, err := d.remove(ctx, victim.ID)
			unlock()
			if err != nil {
				return evicted, err
			}
			if removed {
				progressed = true
				evicted = append(evicted, victim.ID)
				used -= victim.Size
			}
			if used <= d.capacity {
				return evicted, nil
			}
		}
		if !progressed {
			return evicted, nil
		}
	}
}

func (d *diskTier) usage(ctx context.Context) (int, int64, error) {
	return d.index.usage(ctx)
}

func (d *diskTier) close() error {
	return d.index.close()
}

func (d *diskTier) removeFiles(ctx context.Context, row indexRow) {
	_, _ = d.index.delete(ctx, row.ID)
	_ = os.Remove(d.blobPath(row.Blob))
}

func (d *diskTier) blobPath(name string) string {
	return filepath.Join(d.root, blobDir, name[:2], name)
}

// sweepTempFiles removes temp files left behind by a crash mid-write.
func (d *diskTier) sweepTempFiles() {
	_ = filepath.WalkDir(filepath.Join(d.root, blobDir), func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), tempPrefix) {
			_ = os.Remove(path)
		}
		return nil
	})
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
