// File: internal/browser/driver/errors_test.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	t.Run("IsMatchesByKindThroughWrapping", func(t *testing.T) {
		err := fmt.Errorf("click failed: %w", NewElementNotFound(".btn"))
		assert.ErrorIs(t, err, ErrElementNotFound)
		assert.NotErrorIs(t, err, ErrTimeout)
		assert.Equal(t, KindElementNotFound, KindOf(err))
		assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	})

	t.Run("Messages", func(t *testing.T) {
		assert.Equal(t, `element not found: ".btn"`, NewElementNotFound(".btn").Error())
		assert.Equal(t, `timed out after 2s waiting for locator ".item"`,
			NewTimeout(`locator ".item"`, 2*time.Second, nil).Error())
		assert.Equal(t, "session closed (during click)", newSessionClosed("click").Error())
		assert.Equal(t, "action failed: click: boom", NewActionFailed("click", errors.New("boom")).Error())
	})

	t.Run("TimeoutUnwrapsCause", func(t *testing.T) {
		cause := NewElementNotFound(".x")
		err := NewTimeout("locator", time.Second, cause)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, ErrElementNotFound, "the last attempt's error stays reachable")
	})
}

func TestRetryClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		terminal  bool
	}{
		{"nil", nil, false, false},
		{"not found", NewElementNotFound("a"), true, false},
		{"stale", &Error{Kind: KindActionFailed, Code: "stale element reference"}, true, false},
		{"no such frame", &Error{Kind: KindActionFailed, Code: "no such frame"}, true, false},
		{"script error", &Error{Kind: KindActionFailed, Code: "javascript error"}, false, false},
		{"transport", NewActionFailed("navigate", errors.New("connection reset")), false, false},
		{"closed", newSessionClosed("click"), false, true},
		{"canceled", fmt.Errorf("wrapped: %w", context.Canceled), false, true},
		{"timeout", NewTimeout("x", time.Second, nil), false, false},
		{"foreign", errors.New("other"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.terminal, IsTerminal(tt.err))
		})
	}
}

func TestUnwrapValue(t *testing.T) {
	t.Run("Value", func(t *testing.T) {
		raw, err := unwrapValue("cmd", http.StatusOK, []byte(`{"value":{"a":1}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(raw))
	})

	t.Run("NullValue", func(t *testing.T) {
		raw, err := unwrapValue("cmd", http.StatusOK, []byte(`{"value":null}`))
		require.NoError(t, err)
		assert.Equal(t, "null", string(raw))
	})

	t.Run("MissingValue", func(t *testing.T) {
		_, err := unwrapValue("cmd", http.StatusOK, []byte(`{"status":0}`))
		assert.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("NotJSON", func(t *testing.T) {
		_, err := unwrapValue("cmd", http.StatusOK, []byte(`<html>`))
		assert.ErrorIs(t, err, ErrSerialization)

		_, err = unwrapValue("cmd", http.StatusBadGateway, []byte(`<html>bad gateway</html>`))
		assert.ErrorIs(t, err, ErrActionFailed)
		assert.Contains(t, err.Error(), "HTTP 502")
	})

	t.Run("ErrorCodes", func(t *testing.T) {
		cases := map[string]error{
			"invalid session id": ErrSessionClosed,
			"no such element":    ErrElementNotFound,
			"script timeout":     ErrTimeout,
			"invalid selector":   ErrInvalidArgument,
			"unknown error":      ErrActionFailed,
		}
		for code, want := range cases {
			body := fmt.Sprintf(`{"value":{"error":%q,"message":"m","stacktrace":"s"}}`, code)
			_, err := unwrapValue("cmd", http.StatusInternalServerError, []byte(body))
			assert.ErrorIs(t, err, want, code)

			var e *Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, code, e.Code)
		}
	})
}

// FuzzUnwrapValue feeds arbitrary bodies and statuses through the response decoder.
func FuzzUnwrapValue(f *testing.F) {
	f.Add([]byte(`{"value":{"error":"no such element","message":"x"}}`))
	f.Add([]byte(`{"value":[{"element-6066-11e4-a52e-4f735466cecf":"1"}]}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		status, err := consumer.GetInt()
		if err != nil {
			return
		}
		body, err := consumer.GetBytes()
		if err != nil {
			return
		}

		code := status % 500
		if code < 0 {
			code = -code
		}
		raw, err := unwrapValue("fuzz", 100+code, body)
		if err != nil {
			// Every failure must carry a Kind.
			assert.NotEqual(t, KindUnknown, KindOf(err))
			return
		}
		_, _ = decodeElements("fuzz", raw)
		_, _ = decodeElement("fuzz", raw)
	})
}
