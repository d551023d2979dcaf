package spoke

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

// Channel states. AUTHENTICATING happens before the channel exists (token
// checked at HTTP upgrade), so the first observable state is open.
const (
	stateOpen int32 = iota
	stateDraining
	stateClosed
)

const (
	writeTimeout = 10 * time.Second
	// Implicit heartbeats are coalesced so chatty channels don't turn
	// every frame into a database write.
	heartbeatCoalesce = 5 * time.Second
)

// Channel is one device's WebSocket connection. All writes go through the
// writer goroutine via the bounded outbound queue; the reader goroutine
// owns the connection's read side.
type Channel struct {
	hub    *Hub
	conn   *websocket.Conn
	device *store.Device

	outbound chan protocol.Frame
	done     chan struct{}

	mu       sync.Mutex
	st       int32
	closeErr error
	pending  map[string]chan *protocol.SkillCallResponse

	lastRegister time.Time
	lastAck      protocol.RegisterAck
	lastBeat     time.Time
}

func newChannel(h *Hub, conn *websocket.Conn, dev *store.Device) *Channel {
	return &Channel{
		hub:      h,
		conn:     conn,
		device:   dev,
		outbound: make(chan protocol.Frame, h.opts.QueueSize),
		done:     make(chan struct{}),
		pending:  make(map[string]chan *protocol.SkillCallResponse),
	}
}

func (c *Channel) state() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *Channel) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrDeviceOffline
}

// run blocks until the connection dies or the channel is closed.
func (c *Channel) run(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
	c.closeWith(ErrDeviceOffline, websocket.CloseNormalClosure, "")
}

func (c *Channel) readLoop(ctx context.Context) {
	deadline := 2 * c.hub.opts.HeartbeatInterval
	c.conn.SetReadDeadline(time.Now().Add(deadline))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Warn("channel read failed", "device_id", c.device.ID, "error", err)
			}
			return
		}
		// Any traffic proves the spoke is alive.
		c.conn.SetReadDeadline(time.Now().Add(deadline))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.logger.Warn("malformed frame dropped", "device_id", c.device.ID, "error", err)
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Channel) writeLoop() {
	for {
		select {
		case frame := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.closeWith(ErrDeviceOffline, websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Channel) handleFrame(ctx context.Context, frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameRegister:
		c.handleRegister(ctx, frame)
	case protocol.FrameHeartbeat:
		c.handleHeartbeat(ctx, frame)
	case protocol.FrameSkillCallResponse:
		c.handleSkillCallResponse(frame)
	case protocol.FrameError:
		var p protocol.ErrorPayload
		json.Unmarshal(frame.Payload, &p)
		c.hub.logger.Warn("spoke reported error",
			"device_id", c.device.ID, "code", p.Code, "message", p.Message)
	default:
		c.hub.logger.Debug("unknown frame type ignored",
			"device_id", c.device.ID, "type", frame.Type)
		return
	}
	c.implicitHeartbeat(ctx)
}

// handleRegister replaces the device's skill set. Bursts within the
// coalescing window replay the previous ack instead of rewriting rows.
func (c *Channel) handleRegister(ctx context.Context, frame protocol.Frame) {
	now := time.Now()
	c.mu.Lock()
	if !c.lastRegister.IsZero() && now.Sub(c.lastRegister) < c.hub.opts.RegisterCoalesce {
		ack := c.lastAck
		c.mu.Unlock()
		c.tryEnqueue(protocol.NewFrame(protocol.FrameRegister, frame.CorrelationID, ack))
		return
	}
	c.mu.Unlock()

	var p protocol.RegisterPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.sendError(frame.CorrelationID, "bad_register", "register payload is not valid JSON")
		return
	}
	n, resolved, err := c.hub.sink.Register(ctx, c.device.ID, p.Skills)
	if err != nil {
		c.hub.logger.Error("register failed", "device_id", c.device.ID, "error", err)
		c.sendError(frame.CorrelationID, "register_failed", err.Error())
		return
	}
	ack := protocol.RegisterAck{Registered: n, ResolvedDisplayName: resolved}
	c.mu.Lock()
	c.lastRegister = now
	c.lastAck = ack
	c.mu.Unlock()

	c.tryEnqueue(protocol.NewFrame(protocol.FrameRegister, frame.CorrelationID, ack))
	c.hub.logger.Info("skills registered",
		"device_id", c.device.ID, "count", n, "display_name", resolved)
}

func (c *Channel) handleHeartbeat(ctx context.Context, frame protocol.Frame) {
	n, err := c.hub.sink.Heartbeat(ctx, c.device.ID)
	if err != nil {
		c.hub.logger.Error("heartbeat failed", "device_id", c.device.ID, "error", err)
		return
	}
	c.mu.Lock()
	c.lastBeat = time.Now()
	c.mu.Unlock()
	c.tryEnqueue(protocol.NewFrame(protocol.FrameHeartbeat, frame.CorrelationID, protocol.HeartbeatAck{Skills: n}))
}

// handleSkillCallResponse resolves the pending call, exactly once. Late or
// unknown correlation IDs are dropped.
func (c *Channel) handleSkillCallResponse(frame protocol.Frame) {
	var resp protocol.SkillCallResponse
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		c.hub.logger.Warn("malformed skill_call_response dropped",
			"device_id", c.device.ID, "correlation_id", frame.CorrelationID, "error", err)
		return
	}

	c.mu.Lock()
	slot, ok := c.pending[frame.CorrelationID]
	if ok {
		delete(c.pending, frame.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.hub.logger.Debug("late skill_call_response dropped",
			"device_id", c.device.ID, "correlation_id", frame.CorrelationID)
		return
	}
	slot <- &resp // buffered, never blocks
}

// implicitHeartbeat bumps the registry lease off the back of ordinary
// traffic, coalesced so it costs at most one write per window.
func (c *Channel) implicitHeartbeat(ctx context.Context) {
	now := time.Now()
	c.mu.Lock()
	if now.Sub(c.lastBeat) < heartbeatCoalesce {
		c.mu.Unlock()
		return
	}
	c.lastBeat = now
	c.mu.Unlock()

	if _, err := c.hub.sink.Heartbeat(ctx, c.device.ID); err != nil {
		c.hub.logger.Warn("implicit heartbeat failed", "device_id", c.device.ID, "error", err)
	}
}

// addPending reserves a completion slot for a correlation ID.
func (c *Channel) addPending(corrID string) chan *protocol.SkillCallResponse {
	slot := make(chan *protocol.SkillCallResponse, 1)
	c.mu.Lock()
	c.pending[corrID] = slot
	c.mu.Unlock()
	return slot
}

func (c *Channel) removePending(corrID string) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
}

// enqueue queues a frame for the writer, failing fast when the device
// cannot keep up or the channel is no longer open.
func (c *Channel) enqueue(frame protocol.Frame) error {
	if c.state() != stateOpen {
		return c.closeReason()
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// tryEnqueue drops the frame on overflow instead of failing. Used for acks
// and best-effort cancels.
func (c *Channel) tryEnqueue(frame protocol.Frame) {
	select {
	case c.outbound <- frame:
	case <-c.done:
	default:
		c.hub.logger.Warn("outbound queue full, frame dropped",
			"device_id", c.device.ID, "type", frame.Type)
	}
}

// closeWith moves the channel to draining, fails every pending call with
// reason, sends a close frame, and tears the connection down. Idempotent;
// only the first reason wins.
func (c *Channel) closeWith(reason error, closeCode int, message string) {
	c.mu.Lock()
	if c.st != stateOpen {
		c.mu.Unlock()
		return
	}
	c.st = stateDraining
	c.closeErr = reason
	// Pending waiters are woken via the done channel; clearing the map
	// here makes any in-flight response a no-op.
	c.pending = make(map[string]chan *protocol.SkillCallResponse)
	c.mu.Unlock()

	close(c.done)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, message), time.Now().Add(time.Second))
	c.conn.Close()

	c.mu.Lock()
	c.st = stateClosed
	c.mu.Unlock()
}

func (c *Channel) sendError(corrID, code, message string) {
	c.tryEnqueue(protocol.NewFrame(protocol.FrameError, corrID, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}
