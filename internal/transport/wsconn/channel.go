// Package wsconn adapts an established websocket connection to
// transport.Channel. Dialing, upgrading and authentication belong to the
// caller.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/transport"
	"github.com/haasonsaas/stepengine/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second

	defaultToolTimeout = 5 * time.Minute
)

// Frame types.
const (
	FrameSubagentChunk    = "subagent-response-chunk"
	FrameToolCallRequest  = "tool-call-request"
	FrameToolCallResponse = "tool-call-response"
)

// Frame is the JSON message exchanged with the client.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// subagent-response-chunk
	*transport.SubagentChunk `json:",omitempty"`

	// tool-call-request
	ToolName   string         `json:"toolName,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	TimeoutMS  int64          `json:"timeout,omitempty"`

	// tool-call-response
	Output []models.ToolResultPart `json:"output,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

type pendingCall struct {
	toolName string
	ch       chan Frame
}

// Channel is a transport.Channel over a websocket connection. Serve must be
// running for RequestToolCall to receive responses.
type Channel struct {
	conn   *websocket.Conn
	logger *observability.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	done    chan struct{}
	err     error
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(logger *observability.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// New wraps conn.
func New(conn *websocket.Conn, opts ...Option) *Channel {
	c := &Channel{
		conn:    conn,
		pending: make(map[string]*pendingCall),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = observability.NewNopLogger()
	}
	return c
}

// Serve reads frames until the connection fails or ctx is cancelled. Pending
// tool calls fail with transport.ErrClosed when it returns.
func (c *Channel) Serve(ctx context.Context) error {
	c.conn.SetReadLimit(maxPayloadBytes)

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.Close()
	})
	defer stop()

	var err error
	for {
		var messageType int
		var data []byte
		messageType, data, err = c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn(ctx, "invalid frame from client", "error", err)
			continue
		}
		if frame.Type != FrameToolCallResponse {
			c.logger.Debug(ctx, "ignoring client frame", "type", frame.Type)
			continue
		}
		c.resolve(frame)
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	c.shutdown(err)
	return err
}

func (c *Channel) resolve(frame Frame) {
	c.mu.Lock()
	call, ok := c.pending[frame.RequestID]
	delete(c.pending, frame.RequestID)
	c.mu.Unlock()
	if ok {
		call.ch <- frame
	}
}

func (c *Channel) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
	c.pending = make(map[string]*pendingCall)
}

// SendSubagentChunk implements transport.Channel.
func (c *Channel) SendSubagentChunk(ctx context.Context, chunk transport.SubagentChunk) error {
	return c.write(Frame{Type: FrameSubagentChunk, SubagentChunk: &chunk})
}

// RequestToolCall implements transport.Channel.
func (c *Channel) RequestToolCall(ctx context.Context, call models.ClientToolCall) ([]models.ToolResultPart, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	requestID := uuid.NewString()
	pending := &pendingCall{toolName: call.ToolName, ch: make(chan Frame, 1)}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, transport.ErrClosed
	default:
	}
	c.pending[requestID] = pending
	c.mu.Unlock()

	err := c.write(Frame{
		Type:       FrameToolCallRequest,
		RequestID:  requestID,
		ToolName:   call.ToolName,
		ToolCallID: call.ToolCallID,
		Input:      call.Input,
		TimeoutMS:  call.Timeout.Milliseconds(),
	})
	if err != nil {
		c.forget(requestID)
		return nil, err
	}

	select {
	case frame := <-pending.ch:
		if frame.Error != "" {
			return nil, &transport.ToolCallError{ToolName: call.ToolName, Message: frame.Error}
		}
		return frame.Output, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		c.forget(requestID)
		return nil, fmt.Errorf("client tool %s: %w", call.ToolName, ctx.Err())
	}
}

func (c *Channel) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Channel) write(frame Frame) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Err returns the error Serve stopped with, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

var _ transport.Channel = (*Channel)(nil)
