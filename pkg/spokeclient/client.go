// Package spokeclient is the device-side counterpart of the hub's spoke
// channel: it dials the hub, registers the device's skills, heartbeats, and
// executes forwarded skill calls through a user-supplied handler.
//
// Intended for Go-based spokes and integration tests.
package spokeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

// SkillHandler executes one forwarded skill call. The returned string goes
// back to the hub verbatim as the tool result; an error becomes a failed
// SkillCallResponse.
type SkillHandler func(ctx context.Context, toolName string, args json.RawMessage) (string, error)

// Options configure a spoke connection.
type Options struct {
	URL               string // ws(s)://host:port/ws/device
	Token             string // device bearer token
	Skills            []protocol.SkillInfo
	Handler           SkillHandler
	HeartbeatInterval time.Duration // default 60s
	Logger            *slog.Logger
}

// Client is one live spoke connection.
type Client struct {
	conn    *websocket.Conn
	opts    Options
	logger  *slog.Logger
	corrSeq int

	mu           sync.Mutex
	resolvedName string
	inflight     map[string]context.CancelFunc
}

// Dial connects and sends the initial register frame. Run must be called to
// process inbound traffic (including the register ack).
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Handler == nil {
		return nil, errors.New("spokeclient: Handler is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)
	conn, resp, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial hub: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	c := &Client{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger,
		inflight: make(map[string]context.CancelFunc),
	}
	if err := c.register(ctx); err != nil {
		conn.Close(websocket.StatusInternalError, "register failed")
		return nil, err
	}
	return c, nil
}

// Run processes inbound frames and sends periodic heartbeats until ctx is
// cancelled or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.heartbeatLoop(ctx)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed frame from hub", "error", err)
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

// ResolvedName returns the display name the hub settled on after collision
// resolution. Empty until the register ack arrives.
func (c *Client) ResolvedName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolvedName
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) register(ctx context.Context) error {
	c.corrSeq++
	frame := protocol.NewFrame(protocol.FrameRegister, fmt.Sprintf("reg-%d", c.corrSeq),
		protocol.RegisterPayload{Skills: c.opts.Skills})
	return c.writeFrame(ctx, frame)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.corrSeq++
			frame := protocol.NewFrame(protocol.FrameHeartbeat, fmt.Sprintf("hb-%d", c.corrSeq), nil)
			if err := c.writeFrame(ctx, frame); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameRegister:
		var ack protocol.RegisterAck
		if err := json.Unmarshal(frame.Payload, &ack); err == nil {
			c.mu.Lock()
			c.resolvedName = ack.ResolvedDisplayName
			c.mu.Unlock()
			c.logger.Info("registered with hub",
				"skills", ack.Registered, "display_name", ack.ResolvedDisplayName)
		}
	case protocol.FrameHeartbeat:
		var ack protocol.HeartbeatAck
		if err := json.Unmarshal(frame.Payload, &ack); err == nil && ack.Skills == 0 && len(c.opts.Skills) > 0 {
			// The hub swept our rows; re-establish them.
			if err := c.register(ctx); err != nil {
				c.logger.Warn("re-register failed", "error", err)
			}
		}
	case protocol.FrameSkillCallRequest:
		var req protocol.SkillCallRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.logger.Warn("malformed skill_call_request", "error", err)
			return
		}
		go c.execute(ctx, frame.CorrelationID, req)
	case protocol.FrameSkillCallCancel:
		c.mu.Lock()
		cancel := c.inflight[frame.CorrelationID]
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case protocol.FrameError:
		var p protocol.ErrorPayload
		json.Unmarshal(frame.Payload, &p)
		c.logger.Warn("hub error", "code", p.Code, "message", p.Message)
	default:
		c.logger.Debug("unknown frame type ignored", "type", frame.Type)
	}
}

// execute runs one skill call concurrently with the read loop so a slow
// skill never blocks the channel.
func (c *Client) execute(ctx context.Context, corrID string, req protocol.SkillCallRequest) {
	callCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	c.mu.Lock()
	c.inflight[corrID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, corrID)
		c.mu.Unlock()
	}()

	resp := protocol.SkillCallResponse{Success: true}
	result, err := c.opts.Handler(callCtx, req.ToolName, req.Arguments)
	if err != nil {
		resp = protocol.SkillCallResponse{Success: false, Error: err.Error()}
	} else {
		resp.Result = result
	}
	if err := c.writeFrame(ctx, protocol.NewFrame(protocol.FrameSkillCallResponse, corrID, resp)); err != nil {
		c.logger.Warn("write skill_call_response failed", "correlation_id", corrID, "error", err)
	}
}

func (c *Client) writeFrame(ctx context.Context, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
