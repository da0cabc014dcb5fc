package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// fileJournal appends one JSON document per line to <path>. Recent scans
// the file; Prune rewrites it through a temp file and rename.
type fileJournal struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Journal, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileJournal{log: log, path: path, f: f}, nil
}

func (j *fileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func (j *fileJournal) Append(_ context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	return json.NewEncoder(j.f).Encode(e)
}

func (j *fileJournal) Recent(ctx context.Context, outcome Outcome, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil, ErrClosed
	}

	ring := make([]Entry, 0, limit)
	err := j.scanLocked(func(e Entry) {
		if outcome != "" && e.Outcome != outcome {
			return
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, e)
	})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(ring))
	for i, e := range ring {
		out[len(ring)-1-i] = e
	}
	return out, ctx.Err()
}

func (j *fileJournal) Prune(_ context.Context, before time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return 0, ErrClosed
	}

	tmp := j.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tf)
	dropped := 0
	var encErr error
	err = j.scanLocked(func(e Entry) {
		if e.At.Before(before) {
			dropped++
			return
		}
		if encErr == nil {
			encErr = enc.Encode(e)
		}
	})
	if err == nil {
		err = encErr
	}
	if cerr := tf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if dropped == 0 {
		return 0, os.Remove(tmp)
	}

	_ = j.f.Close()
	if err := os.Rename(tmp, j.path); err != nil {
		j.log.Warn("journal prune rename failed", logx.Err(err))
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		j.f = nil
		return dropped, err
	}
	j.f = f
	return dropped, nil
}

// scanLocked calls fn for every decodable line. Torn writes are skipped.
func (j *fileJournal) scanLocked(fn func(Entry)) error {
	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for s.Scan() {
		var e Entry
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			continue
		}
		fn(e)
	}
	return s.Err()
}
