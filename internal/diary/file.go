package diary

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileLog appends one JSON object per line.
type FileLog struct {
	path       string
	instanceID string
	log        *zap.Logger
	now        func() time.Time

	mu sync.Mutex
}

// NewFileLog creates the parent directory if needed.
func NewFileLog(path, instanceID string, log *zap.Logger) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create diary directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FileLog{path: path, instanceID: instanceID, log: log, now: time.Now}, nil
}

// Append writes ev as one line.
func (f *FileLog) Append(ctx context.Context, ev Event) error {
	entry, err := NewEntry(ev, f.now(), f.instanceID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open diary: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write diary: %w", err)
	}
	return nil
}

// Recent returns the last n entries in chronological order. Lines that do
// not decode are skipped.
func (f *FileLog) Recent(ctx context.Context, n int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open diary: %w", err)
	}
	defer fh.Close()

	var ring []Entry
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			f.log.Debug("skipping unreadable diary line", zap.Error(err))
			continue
		}
		ring = append(ring, e)
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read diary: %w", err)
	}
	return ring, nil
}
