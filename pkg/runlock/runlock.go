// Package runlock keeps two runs from writing the same sheet at once. The
// lock is a file created with O_EXCL whose modification time is refreshed
// while the run is alive; a lock older than its TTL is considered abandoned.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrHeld is returned when another live run holds the lock.
var ErrHeld = errors.New("run lock held by another process")

// Info is stored in the lock file.
type Info struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Target     string    `json:"target,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held run lock.
type Lock struct {
	path string
	ttl  time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

const maxAttempts = 3

// Acquire creates the lock file at path. A stale lock (older than ttl) is
// replaced. PID, Host and AcquiredAt are filled in when zero.
func Acquire(path string, ttl time.Duration, info Info) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.Host == "" {
		info.Host, _ = os.Hostname()
	}
	if info.AcquiredAt.IsZero() {
		info.AcquiredAt = time.Now().UTC()
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			encErr := json.NewEncoder(f).Encode(info)
			closeErr := f.Close()
			if err := errors.Join(encErr, closeErr); err != nil {
				_ = os.Remove(abs)
				return nil, fmt.Errorf("write lock file: %w", err)
			}
			l := &Lock{
				path: abs,
				ttl:  ttl,
				stop: make(chan struct{}),
				done: make(chan struct{}),
			}
			go l.heartbeat()
			return l, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		fi, err := os.Stat(abs)
		if err != nil {
			// Released between our create and stat.
			continue
		}
		if time.Since(fi.ModTime()) >= ttl {
			_ = os.Remove(abs)
			continue
		}

		holder, err := ReadInfo(abs)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrHeld, abs)
		}
		return nil, fmt.Errorf("%w: pid %d on %s (run %s) since %s",
			ErrHeld, holder.PID, holder.Host, holder.RunID, holder.AcquiredAt.Format(time.RFC3339))
	}
	return nil, fmt.Errorf("%w: %s kept reappearing", ErrHeld, abs)
}

// ReadInfo returns the holder recorded in the lock file at path.
func ReadInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("decode lock file: %w", err)
	}
	return info, nil
}

// Path returns the absolute lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release stops the heartbeat and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
	})
	return err
}

// heartbeat touches the lock file three times per TTL.
func (l *Lock) heartbeat() {
	defer close(l.done)
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
		}
	}
}
