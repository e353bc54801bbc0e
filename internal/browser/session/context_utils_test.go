// File: internal/browser/session/context_utils_test.go
package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type ctxKey string

const traceKey ctxKey = "trace"

func TestCombineContext(t *testing.T) {
	t.Run("ValuesComeFromPrimary", func(t *testing.T) {
		primary := context.WithValue(context.Background(), traceKey, "abc")
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()

		assert.Equal(t, "abc", combined.Value(traceKey))
		assert.NoError(t, combined.Err())
	})

	t.Run("PrimaryCancellation", func(t *testing.T) {
		primary, cancelPrimary := context.WithCancel(context.Background())
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()

		cancelPrimary()
		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("SecondaryCancellation", func(t *testing.T) {
		secondary, cancelSecondary := context.WithCancel(context.Background())
		combined, cancel := CombineContext(context.Background(), secondary)
		defer cancel()

		cancelSecondary()
		assert.Eventually(t, func() bool { return combined.Err() != nil }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("SecondaryDeadlineSurfacesAsCanceled", func(t *testing.T) {
		secondary, cancelSecondary := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancelSecondary()
		combined, cancel := CombineContext(context.Background(), secondary)
		defer cancel()

		<-combined.Done()
		assert.ErrorIs(t, secondary.Err(), context.DeadlineExceeded)
		assert.ErrorIs(t, combined.Err(), context.Canceled)
		_, hasDeadline := combined.Deadline()
		assert.False(t, hasDeadline, "the deadline belongs to primary only")
	})

	t.Run("PrimaryDeadlineIsKept", func(t *testing.T) {
		deadline := time.Now().Add(time.Minute)
		primary, cancelPrimary := context.WithDeadline(context.Background(), deadline)
		defer cancelPrimary()
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()

		got, ok := combined.Deadline()
		require.True(t, ok)
		assert.True(t, got.Equal(deadline))
	})

	t.Run("ExplicitCancel", func(t *testing.T) {
		secondary, cancelSecondary := context.WithCancel(context.Background())
		defer cancelSecondary()
		combined, cancel := CombineContext(context.Background(), secondary)
		cancel()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})
}

func TestDetach(t *testing.T) {
	t.Run("KeepsValues", func(t *testing.T) {
		parent := context.WithValue(context.Background(), traceKey, "abc")
		assert.Equal(t, "abc", Detach(parent).Value(traceKey))
	})

	t.Run("IgnoresParentCancellation", func(t *testing.T) {
		parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()
		<-parent.Done()

		detached := Detach(parent)
		assert.NoError(t, detached.Err())
		assert.Nil(t, detached.Done())
		_, ok := detached.Deadline()
		assert.False(t, ok)
	})

	t.Run("DerivedContextsGetTheirOwnDeadline", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.Background())
		cancelParent()

		derived, cancel := context.WithTimeout(Detach(parent), 10*time.Millisecond)
		defer cancel()
		assert.NoError(t, derived.Err())
		<-derived.Done()
		assert.ErrorIs(t, derived.Err(), context.DeadlineExceeded)
	})
}
