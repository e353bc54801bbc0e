// File: internal/browser/retry/retry_test.go
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastPolicy(budget time.Duration) Policy {
	p := NewPolicy("test", budget)
	p.Interval = 5 * time.Millisecond
	return p
}

func TestDo(t *testing.T) {
	t.Run("SucceedsAfterTransientFailures", func(t *testing.T) {
		var attempts atomic.Int32
		err := Do(context.Background(), fastPolicy(time.Second), "op", func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return driver.NewElementNotFound(".late")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("NonRetryableReturnsImmediately", func(t *testing.T) {
		var attempts atomic.Int32
		boom := driver.NewActionFailed("click", errors.New("javascript error"))
		err := Do(context.Background(), fastPolicy(time.Second), "op", func(ctx context.Context) error {
			attempts.Add(1)
			return boom
		})
		assert.Same(t, boom, err)
		assert.Equal(t, int32(1), attempts.Load())
	})

	t.Run("SessionClosedIsTerminal", func(t *testing.T) {
		var attempts atomic.Int32
		p := fastPolicy(time.Second)
		p.Retryable = func(error) bool { return true }
		err := Do(context.Background(), p, "op", func(ctx context.Context) error {
			attempts.Add(1)
			return &driver.Error{Kind: driver.KindSessionClosed, Op: "click"}
		})
		assert.ErrorIs(t, err, driver.ErrSessionClosed)
		assert.Equal(t, int32(1), attempts.Load())
	})

	t.Run("BudgetExhaustionWrapsLastError", func(t *testing.T) {
		budget := 60 * time.Millisecond
		start := time.Now()
		err := Do(context.Background(), fastPolicy(budget), `locator ".item[100]"`, func(ctx context.Context) error {
			return driver.NewElementNotFound(".item")
		})
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.ErrorIs(t, err, driver.ErrTimeout)
		assert.ErrorIs(t, err, driver.ErrElementNotFound)
		assert.Contains(t, err.Error(), `timed out after 60ms waiting for locator ".item[100]"`)
		assert.GreaterOrEqual(t, elapsed, budget)
		assert.Less(t, elapsed, budget+500*time.Millisecond)
	})

	t.Run("AttemptsObserveBudgetDeadline", func(t *testing.T) {
		err := Do(context.Background(), fastPolicy(30*time.Millisecond), "slow", func(ctx context.Context) error {
			<-ctx.Done()
			return driver.NewActionFailed("slow", ctx.Err())
		})
		assert.ErrorIs(t, err, driver.ErrTimeout)
	})

	t.Run("CallerCancellationIsNotATimeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts atomic.Int32
		err := Do(ctx, fastPolicy(time.Second), "op", func(ctx context.Context) error {
			if attempts.Add(1) == 2 {
				cancel()
			}
			return driver.NewElementNotFound(".x")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, driver.ErrTimeout)
	})

	t.Run("MaxAttemptsReturnsLastError", func(t *testing.T) {
		var attempts atomic.Int32
		p := fastPolicy(time.Second)
		p.MaxAttempts = 3
		p.Retryable = func(error) bool { return true }
		err := Do(context.Background(), p, "discover", func(ctx context.Context) error {
			return fmt.Errorf("attempt %d refused", attempts.Add(1))
		})
		require.Error(t, err)
		assert.EqualError(t, err, "attempt 3 refused")
		assert.NotErrorIs(t, err, driver.ErrTimeout)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("BudgetStillBoundsCappedAttempts", func(t *testing.T) {
		p := fastPolicy(40 * time.Millisecond)
		p.Interval = 30 * time.Millisecond
		p.MaxAttempts = 10
		err := Do(context.Background(), p, "op", func(ctx context.Context) error {
			return driver.NewElementNotFound(".x")
		})
		assert.ErrorIs(t, err, driver.ErrTimeout)
	})

	t.Run("CustomPredicate", func(t *testing.T) {
		var attempts atomic.Int32
		notReady := errors.New("not ready")
		p := fastPolicy(time.Second)
		p.Retryable = func(err error) bool { return errors.Is(err, notReady) }
		err := Do(context.Background(), p, "op", func(ctx context.Context) error {
			if attempts.Add(1) < 4 {
				return notReady
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(4), attempts.Load())
	})
}

func TestValue(t *testing.T) {
	var attempts atomic.Int32
	v, err := Value(context.Background(), fastPolicy(time.Second), "count", func(ctx context.Context) (int, error) {
		if attempts.Add(1) == 1 {
			return 0, driver.NewElementNotFound(".a")
		}
		return 5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.normalized()
	assert.Equal(t, "unnamed", p.Name)
	assert.Zero(t, p.MaxAttempts)
	assert.Equal(t, DefaultBudget, p.Budget)
	assert.Equal(t, DefaultInterval, p.Interval)
	assert.NotNil(t, p.Retryable)
	assert.True(t, p.Retryable(driver.NewElementNotFound("x")))
}
