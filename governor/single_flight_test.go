/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package governor

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForDups[K comparable, V any](t *testing.T, g *singleFlightGroup[K, V], key K, dups int) {
	t.Helper()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		c, ok := g.m[key]
		return ok && c.dups == dups
	}, 5*time.Second, time.Millisecond)
}

func TestSingleFlight(t *testing.T) {
	t.Run("different keys", func(t *testing.T) {
		var sfGroup singleFlightGroup[string, int]
		var callCount int32

		const numGoroutines = 10
		var wg sync.WaitGroup
		results := make([]int, numGoroutines)
		errs := make([]error, numGoroutines)
		shared := make([]bool, numGoroutines)

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func(i int) {
				defer wg.Done()
				results[i], errs[i], shared[i] = sfGroup.Do("key"+strconv.Itoa(i), func() (int, error) {
					atomic.AddInt32(&callCount, 1)
					return (i + 1) * 10, nil
				})
			}(i)
		}
		wg.Wait()

		require.Equal(t, int32(numGoroutines), callCount)
		for i := range results {
			require.NoError(t, errs[i])
			require.Equal(t, (i+1)*10, results[i])
			require.False(t, shared[i])
		}
	})

	t.Run("same key", func(t *testing.T) {
		var sfGroup singleFlightGroup[string, int]
		var callCount int32
		release := make(chan struct{})

		fn := func() (int, error) {
			atomic.AddInt32(&callCount, 1)
			<-release
			return 42, nil
		}

		const numGoroutines = 10
		var wg sync.WaitGroup
		results := make([]int, numGoroutines)
		shared := make([]bool, numGoroutines)

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[0], _, shared[0] = sfGroup.Do("key", fn)
		}()
		waitForDups(t, &sfGroup, "key", 0)

		wg.Add(numGoroutines - 1)
		for i := 1; i < numGoroutines; i++ {
			go func(i int) {
				defer wg.Done()
				results[i], _, shared[i] = sfGroup.Do("key", fn)
			}(i)
		}
		waitForDups(t, &sfGroup, "key", numGoroutines-1)
		close(release)
		wg.Wait()

		require.Equal(t, int32(1), callCount, "expected fn to be called only once")
		for i := range results {
			require.Equal(t, 42, results[i])
			require.True(t, shared[i])
		}

		// The key is released after the call completes.
		res, _, sh := sfGroup.Do("key", func() (int, error) { return 7, nil })
		require.Equal(t, 7, res)
		require.False(t, sh)
	})

	t.Run("error is returned to all callers", func(t *testing.T) {
		var sfGroup singleFlightGroup[string, int]
		someErr := errors.New("some error")
		release := make(chan struct{})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[0], _ = sfGroup.Do("key", func() (int, error) {
				<-release
				return 0, someErr
			})
		}()
		waitForDups(t, &sfGroup, "key", 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[1], _ = sfGroup.Do("key", func() (int, error) { return 1, nil })
		}()
		waitForDups(t, &sfGroup, "key", 1)
		close(release)
		wg.Wait()

		require.ErrorIs(t, errs[0], someErr)
		require.ErrorIs(t, errs[1], someErr)
	})

	t.Run("panic", func(t *testing.T) {
		var sfGroup singleFlightGroup[string, int]
		release := make(chan struct{})

		var wg sync.WaitGroup
		var leaderPanicked bool
		var followerErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				leaderPanicked = recover() != nil
			}()
			_, _, _ = sfGroup.Do("key", func() (int, error) {
				<-release
				panic("boom")
			})
		}()
		waitForDups(t, &sfGroup, "key", 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, followerErr, _ = sfGroup.Do("key", func() (int, error) { return 1, nil })
		}()
		waitForDups(t, &sfGroup, "key", 1)
		close(release)
		wg.Wait()

		require.True(t, leaderPanicked)
		var panicErr *PanicError
		require.ErrorAs(t, followerErr, &panicErr)
		require.Equal(t, "boom", panicErr.Value)
		require.NotEmpty(t, panicErr.Stack)
	})
}
