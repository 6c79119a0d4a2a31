package filelock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func fastOptions() Options {
	return Options{
		Timeout:      2 * time.Second,
		PollInterval: 5 * time.Millisecond,
		StaleAfter:   time.Hour,
	}
}

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "preflight.lock")

	token, err := Acquire(context.Background(), path, fastOptions())
	require.NoError(t, err)
	require.NotEmpty(t, token.ID)
	assert.Equal(t, os.Getpid(), token.PID)

	holder, err := Inspect(path)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, token.ID, holder.ID)

	require.NoError(t, Release(path, token))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Release is idempotent.
	require.NoError(t, Release(path, token))

	holder, err = Inspect(path)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestAcquireTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preflight.lock")

	first, err := Acquire(context.Background(), path, fastOptions())
	require.NoError(t, err)
	defer Release(path, first)

	opts := fastOptions()
	opts.Timeout = 40 * time.Millisecond
	_, err = Acquire(context.Background(), path, opts)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, path, timeout.Path)
	assert.GreaterOrEqual(t, timeout.Attempts, 2)
	require.NotNil(t, timeout.Holder)
	assert.Equal(t, first.ID, timeout.Holder.ID)
}

func TestAcquireTakesOverStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preflight.lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"dead","pid":1}`), 0o600))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	token, err := Acquire(context.Background(), path, fastOptions())
	require.NoError(t, err)
	assert.NotEqual(t, "dead", token.ID)
	require.NoError(t, Release(path, token))
}

func TestStaleTakeoverKeepsReplacedLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preflight.lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"dead","pid":1}`), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	// Two waiters observe the same stale file.
	seen, err := os.Stat(path)
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)

	// The first removes it and takes the lock.
	require.NoError(t, discardStale(path, seen, content))
	token, err := tryCreate(path, time.Now())
	require.NoError(t, err)

	// The second acts on its earlier observation.
	require.NoError(t, discardStale(path, seen, content))

	holder, err := Inspect(path)
	require.NoError(t, err)
	require.NotNil(t, holder, "the fresh lock survives")
	assert.Equal(t, token.ID, holder.ID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "nothing is left aside")
	require.NoError(t, Release(path, token))
}

func TestAcquireHonoursInjectedClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preflight.lock")
	first, err := Acquire(context.Background(), path, fastOptions())
	require.NoError(t, err)

	opts := fastOptions()
	opts.Now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	second, err := Acquire(context.Background(), path, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// The original holder no longer owns the file.
	assert.ErrorIs(t, Release(path, first), ErrNotOwner)
	_, err = os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, Release(path, second))
}

func TestAcquireRespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preflight.lock")
	first, err := Acquire(context.Background(), path, fastOptions())
	require.NoError(t, err)
	defer Release(path, first)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, path, fastOptions())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// Two writers race for the lock; the loser must observe the winner's write.
func TestRacingWritersAreSerialized(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	lockPath := filepath.Join(dir, "preflight.lock")
	docPath := filepath.Join(dir, "counter")
	require.NoError(t, os.WriteFile(docPath, []byte("0"), 0o644))

	increment := func() error {
		return With(context.Background(), lockPath, fastOptions(), func() error {
			data, err := os.ReadFile(docPath)
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(string(data))
			if err != nil {
				return err
			}
			time.Sleep(20 * time.Millisecond)
			return os.WriteFile(docPath, []byte(strconv.Itoa(n+1)), 0o644)
		})
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- increment()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	data, err := os.ReadFile(docPath)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}
