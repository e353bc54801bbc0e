// File: internal/browser/loadstate/channel.go
package loadstate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/sparkle/internal/observability"
)

// eventChannel is the DevTools push socket of one page target. A single reader
// goroutine decodes events in arrival order and applies them to the machine.
type eventChannel struct {
	conn    *chromedp.Conn
	machine *Machine
	logger  *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]cdproto.MethodType

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// dialChannel connects to wsURL and enables the page, network and lifecycle
// domains. Any failure releases the half open socket.
func dialChannel(ctx context.Context, wsURL string, machine *Machine, logger *zap.Logger) (*eventChannel, error) {
	var opts []chromedp.DialOption
	if logger.Core().Enabled(zapcore.DebugLevel) {
		sugar := logger.Sugar()
		opts = append(opts, chromedp.WithConnDebugf(func(format string, args ...any) {
			sugar.Debugf(format, args...)
		}))
	}

	conn, err := chromedp.DialContext(ctx, wsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial DevTools socket %s: %w", wsURL, err)
	}

	c := &eventChannel{
		conn:    conn,
		machine: machine,
		logger:  logger,
		pending: make(map[int64]cdproto.MethodType),
		done:    make(chan struct{}),
	}
	go c.read()

	commands := []struct {
		method cdproto.MethodType
		params interface{}
	}{
		{cdproto.CommandPageEnable, &page.EnableParams{}},
		{cdproto.CommandNetworkEnable, &network.EnableParams{}},
		{cdproto.CommandPageSetLifecycleEventsEnabled, &page.SetLifecycleEventsEnabledParams{Enabled: true}},
		{cdproto.CommandPageGetFrameTree, struct{}{}},
	}
	for _, cmd := range commands {
		if err := c.send(ctx, cmd.method, cmd.params); err != nil {
			c.close()
			return nil, err
		}
	}
	return c, nil
}

func (c *eventChannel) send(ctx context.Context, method cdproto.MethodType, params interface{}) error {
	buf, err := jsonv2.Marshal(params, chromedp.DefaultMarshalOptions)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}
	id := c.nextID.Add(1)

	c.pendingMu.Lock()
	c.pending[id] = method
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, &cdproto.Message{ID: id, Method: method, Params: jsontext.Value(buf)}); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	return nil
}

func (c *eventChannel) read() {
	defer close(c.done)
	defer c.machine.Detach()

	for {
		var msg cdproto.Message
		if err := c.conn.Read(context.Background(), &msg); err != nil {
			if !c.closing.Load() {
				c.logger.Warn("DevTools event channel lost, load state waits fall back to polling.", zap.Error(err))
			}
			return
		}
		c.dispatch(&msg)
	}
}

func (c *eventChannel) dispatch(msg *cdproto.Message) {
	if msg.ID != 0 {
		c.handleResponse(msg)
		return
	}
	if msg.Method == "" {
		// Ping frames decode to an empty message.
		return
	}

	observability.RecordDebugEvent(string(msg.Method))
	ev, err := cdproto.UnmarshalMessage(msg, chromedp.DefaultUnmarshalOptions)
	if err != nil {
		if ce := c.logger.Check(zapcore.DebugLevel, "Skipping undecodable DevTools event."); ce != nil {
			ce.Write(zap.String("method", string(msg.Method)), zap.Error(err))
		}
		return
	}
	c.machine.Apply(ev)
}

func (c *eventChannel) handleResponse(msg *cdproto.Message) {
	c.pendingMu.Lock()
	method, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if msg.Error != nil {
		c.logger.Debug("DevTools command failed.", zap.String("method", string(method)), zap.Error(msg.Error))
		return
	}
	if method != cdproto.CommandPageGetFrameTree {
		return
	}

	var res page.GetFrameTreeReturns
	if err := jsonv2.Unmarshal(msg.Result, &res, chromedp.DefaultUnmarshalOptions); err != nil {
		c.logger.Debug("Could not decode frame tree.", zap.Error(err))
		return
	}
	if res.FrameTree != nil && res.FrameTree.Frame != nil {
		c.machine.SetMainFrame(res.FrameTree.Frame.ID)
	}
}

// close shuts the socket and waits for the reader to exit.
func (c *eventChannel) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		err = c.conn.Close()
		<-c.done
	})
	return err
}
