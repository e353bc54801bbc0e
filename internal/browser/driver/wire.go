// File: internal/browser/driver/wire.go
package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/internal/observability"
)

// W3C web element identifier, plus the key used by pre-W3C drivers.
const (
	elementKey       = "element-6066-11e4-a52e-4f735466cecf"
	legacyElementKey = "ELEMENT"
)

// maxErrorBody bounds how much of an unparseable response ends up in an error message.
const maxErrorBody = 256

// wireError is the W3C error body: {"value": {"error", "message", "stacktrace"}}.
type wireError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// wireClient issues WebDriver REST commands and unwraps the "value" envelope.
type wireClient struct {
	http    *http.Client
	baseURL string
	logger  *zap.Logger
}

func newWireClient(httpClient *http.Client, baseURL string, logger *zap.Logger) *wireClient {
	return &wireClient{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// do sends one command and returns the raw "value" member of the response.
// command is a short stable name used for logs and metrics.
func (c *wireClient) do(ctx context.Context, command, method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, NewSerialization("encode "+command, err)
		}
		reader = bytes.NewReader(buf)
	} else if method == http.MethodPost {
		// Several drivers reject a POST without a JSON object body.
		reader = strings.NewReader("{}")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, NewInvalidArgument(command, err.Error())
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveCommand(command, time.Since(start), "transport")
		return nil, NewActionFailed(command, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ObserveCommand(command, time.Since(start), "transport")
		return nil, NewActionFailed(command, fmt.Errorf("reading response: %w", err))
	}

	value, err := unwrapValue(command, resp.StatusCode, raw)
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	observability.ObserveCommand(command, time.Since(start), outcome)

	if ce := c.logger.Check(zap.DebugLevel, "WebDriver command."); ce != nil {
		ce.Write(
			zap.String("command", command),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}
	return value, err
}

// unwrapValue extracts "value" from a WebDriver response body or decodes the error it carries.
func unwrapValue(command string, status int, raw []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(raw) {
		if status >= http.StatusBadRequest {
			return nil, NewActionFailed(command, fmt.Errorf("HTTP %d: %s", status, truncate(raw)))
		}
		return nil, NewSerialization(command, fmt.Errorf("response is not JSON: %s", truncate(raw)))
	}

	value := gjson.GetBytes(raw, "value")
	if code := value.Get("error"); code.Type == gjson.String && code.Str != "" {
		var we wireError
		if err := json.Unmarshal([]byte(value.Raw), &we); err != nil {
			return nil, NewSerialization(command, err)
		}
		return nil, errorFromWire(command, we)
	}
	if status >= http.StatusBadRequest {
		return nil, NewActionFailed(command, fmt.Errorf("HTTP %d: %s", status, truncate(raw)))
	}
	if !value.Exists() {
		return nil, NewSerialization(command, fmt.Errorf("response has no value member: %s", truncate(raw)))
	}
	return json.RawMessage(value.Raw), nil
}

// errorFromWire maps a W3C error code onto an error Kind.
func errorFromWire(command string, we wireError) error {
	msg := we.Message
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	cause := fmt.Errorf("%s: %s", we.Error, msg)

	kind := KindActionFailed
	switch we.Error {
	case "invalid session id":
		kind = KindSessionClosed
	case "no such element":
		kind = KindElementNotFound
	case "timeout", "script timeout":
		kind = KindTimeout
	case "invalid argument", "invalid selector", "invalid cookie domain":
		kind = KindInvalidArgument
	}
	return &Error{Kind: kind, Op: command, Code: we.Error, Err: cause}
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

// decodeElement reads a single web element reference out of a raw value.
func decodeElement(command string, raw json.RawMessage) (string, error) {
	r := gjson.ParseBytes(raw)
	if id := r.Get(elementKey); id.Exists() {
		return id.String(), nil
	}
	if id := r.Get(legacyElementKey); id.Exists() {
		return id.String(), nil
	}
	return "", NewSerialization(command, fmt.Errorf("value is not a web element: %s", truncate(raw)))
}

// decodeElements reads an array of web element references.
func decodeElements(command string, raw json.RawMessage) ([]string, error) {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.Null {
		return nil, nil
	}
	if !r.IsArray() {
		return nil, NewSerialization(command, fmt.Errorf("value is not an array: %s", truncate(raw)))
	}
	items := r.Array()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := decodeElement(command, json.RawMessage(item.Raw))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
