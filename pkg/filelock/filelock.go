// Package filelock implements the advisory lock that serializes every
// mutation of a planq workspace. A lock is a file created with O_EXCL; a lock
// file whose modification time is older than the stale threshold is assumed
// to belong to a crashed holder and is taken over.
package filelock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrNotOwner is returned by Release when the lock file belongs to another
// holder. The file is left in place.
var ErrNotOwner = errors.New("lock is held by another owner")

// Options tune acquisition.
type Options struct {
	// Timeout bounds how long Acquire waits for a live holder.
	Timeout time.Duration

	// PollInterval is the wait between attempts.
	PollInterval time.Duration

	// StaleAfter is the lock file age after which the holder is presumed dead.
	StaleAfter time.Duration

	// Now overrides the clock used for staleness checks.
	Now func() time.Time
}

// DefaultOptions returns the acquisition settings used when a workspace
// config does not override them.
func DefaultOptions() Options {
	return Options{
		Timeout:      30 * time.Second,
		PollInterval: 100 * time.Millisecond,
		StaleAfter:   10 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Token identifies one successful acquisition. It is also the content of
// the lock file.
type Token struct {
	ID         string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// TimeoutError reports that a live holder kept the lock for the whole
// timeout.
type TimeoutError struct {
	Path     string
	Waited   time.Duration
	Attempts int
	Holder   *Token
}

func (e *TimeoutError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock %s not acquired after %s (%d attempts, held by pid %d since %s)",
			e.Path, e.Waited.Round(time.Millisecond), e.Attempts, e.Holder.PID, e.Holder.AcquiredAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("lock %s not acquired after %s (%d attempts)", e.Path, e.Waited.Round(time.Millisecond), e.Attempts)
}

// Acquire creates the lock file at path, waiting for a live holder to
// release it and taking over a stale one.
func Acquire(ctx context.Context, path string, opts Options) (*Token, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare lock directory: %w", err)
	}

	start := time.Now()
	attempts := 0
	for {
		attempts++

		token, err := tryCreate(path, opts.Now())
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}

		if recovered, err := recoverStale(path, opts.Now(), opts.StaleAfter); err != nil {
			return nil, err
		} else if recovered {
			continue
		}

		waited := time.Since(start)
		if waited >= opts.Timeout {
			holder, _ := readToken(path)
			return nil, &TimeoutError{Path: path, Waited: waited, Attempts: attempts, Holder: holder}
		}

		timer := time.NewTimer(opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func tryCreate(path string, now time.Time) (*Token, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	token := &Token{
		ID:         uuid.NewString(),
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: now.UTC(),
	}

	encoded, err := json.Marshal(token)
	if err == nil {
		_, err = f.Write(append(encoded, '\n'))
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock metadata: %w", err)
	}
	return token, nil
}

// recoverStale removes the lock file if its age exceeds staleAfter.
func recoverStale(path string, now time.Time, staleAfter time.Duration) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat lock %s: %w", path, err)
	}
	if now.Sub(info.ModTime()) <= staleAfter {
		return false, nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock %s: %w", path, err)
	}
	return true, discardStale(path, info, content)
}

// discardStale deletes the lock file last observed with the given stat and
// content. The file is first renamed aside; if what was moved is not the
// file observed, another waiter already replaced it, so it is linked back
// unless a newer lock exists by then.
func discardStale(path string, seen fs.FileInfo, content []byte) error {
	aside := fmt.Sprintf("%s.stale-%s", path, uuid.NewString())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("move stale lock %s: %w", path, err)
	}

	moved, err := os.ReadFile(aside)
	if err != nil {
		return fmt.Errorf("read stale lock %s: %w", aside, err)
	}
	info, err := os.Stat(aside)
	if err != nil {
		return fmt.Errorf("stat stale lock %s: %w", aside, err)
	}
	if !bytes.Equal(moved, content) || !info.ModTime().Equal(seen.ModTime()) {
		if err := os.Link(aside, path); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("restore lock %s: %w", path, err)
		}
	}
	if err := os.Remove(aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale lock %s: %w", aside, err)
	}
	return nil
}

// Release deletes the lock file if it still carries token. Releasing a lock
// whose file is already gone is not an error.
func Release(path string, token *Token) error {
	if token != nil {
		holder, err := readToken(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err == nil && holder.ID != token.ID {
			return fmt.Errorf("release %s: %w", path, ErrNotOwner)
		}
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release %s: %w", path, err)
	}
	return nil
}

// Inspect returns the token recorded in the lock file, or nil if the lock is
// free.
func Inspect(path string) (*Token, error) {
	token, err := readToken(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return token, err
}

func readToken(path string) (*Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", path, err)
	}
	return &token, nil
}

// With runs fn while holding the lock at path.
func With(ctx context.Context, path string, opts Options, fn func() error) error {
	token, err := Acquire(ctx, path, opts)
	if err != nil {
		return err
	}
	fnErr := fn()
	if err := Release(path, token); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}
