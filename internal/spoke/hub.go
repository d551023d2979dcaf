// Package spoke maintains the persistent WebSocket channels to user devices
// and forwards tool calls over them with correlation IDs. One channel per
// device; a new connection supersedes the old one.
package spoke

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/hearth/internal/bus"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/hearth/internal/spoke")

var (
	// ErrDeviceOffline: no open channel for the device, or it closed while
	// a call was in flight.
	ErrDeviceOffline = errors.New(protocol.ErrCodeDeviceOffline)
	// ErrBackpressure: the channel's outbound queue is full.
	ErrBackpressure = errors.New(protocol.ErrCodeDeviceBackpressure)
	// ErrToolTimeout: the Spoke did not answer within the call deadline.
	ErrToolTimeout = errors.New(protocol.ErrCodeToolTimeout)
	// ErrShuttingDown: the hub is draining and refuses new work.
	ErrShuttingDown = errors.New(protocol.ErrCodeShuttingDown)
)

// SkillSink receives registration and heartbeat traffic arriving on device
// channels. Implemented by the skill registry.
type SkillSink interface {
	Register(ctx context.Context, deviceID string, infos []protocol.SkillInfo) (int, string, error)
	Heartbeat(ctx context.Context, deviceID string) (int, error)
}

// Options tune the hub. Zero values fall back to defaults.
type Options struct {
	QueueSize         int           // outbound frames buffered per channel (default 256)
	HeartbeatInterval time.Duration // expected spoke heartbeat cadence (default 60s)
	RegisterCoalesce  time.Duration // ignore duplicate registers within this window (default 500ms)
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 60 * time.Second
	}
	if o.RegisterCoalesce <= 0 {
		o.RegisterCoalesce = 500 * time.Millisecond
	}
	return o
}

// Hub owns all device channels.
type Hub struct {
	sink   SkillSink
	events bus.EventPublisher
	opts   Options
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	channels map[string]*Channel

	callSeq  atomic.Uint64
	draining atomic.Bool
	wg       sync.WaitGroup
}

func NewHub(sink SkillSink, events bus.EventPublisher, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sink:   sink,
		events: events,
		opts:   opts.withDefaults(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Spokes are headless clients; Origin is meaningless here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		channels: make(map[string]*Channel),
	}
}

// IsOnline reports whether the device has an open channel. Satisfies
// registry.Presence.
func (h *Hub) IsOnline(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[deviceID]
	return ok && ch.state() == stateOpen
}

// ServeDevice upgrades an already-authenticated request into the device's
// channel and blocks until it closes. Callers authenticate the bearer token
// before handing the request over.
func (h *Hub) ServeDevice(w http.ResponseWriter, r *http.Request, dev *store.Device) {
	if h.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "device_id", dev.ID, "error", err)
		return
	}

	ch := newChannel(h, conn, dev)
	h.attach(ch)
	defer h.detach(ch)

	h.wg.Add(1)
	defer h.wg.Done()
	ch.run(r.Context())
}

// ForwardToolCall sends a skill_call_request to the device and waits for
// the correlated response. Transport failures come back as the sentinel
// errors above; a response with Success=false is returned, not an error.
func (h *Hub) ForwardToolCall(ctx context.Context, deviceID, toolName string, args json.RawMessage, timeout time.Duration) (resp *protocol.SkillCallResponse, err error) {
	ctx, span := tracer.Start(ctx, "spoke.forward_tool_call", trace.WithAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("tool.name", toolName),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("tool.success", resp.Success))
		}
		span.End()
	}()

	if h.draining.Load() {
		return nil, ErrShuttingDown
	}
	h.mu.RLock()
	ch := h.channels[deviceID]
	h.mu.RUnlock()
	if ch == nil || ch.state() != stateOpen {
		return nil, ErrDeviceOffline
	}

	corrID := h.nextCorrelationID()
	slot := ch.addPending(corrID)
	defer ch.removePending(corrID)

	frame := protocol.NewFrame(protocol.FrameSkillCallRequest, corrID, protocol.SkillCallRequest{
		ToolName:  toolName,
		Arguments: args,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err := ch.enqueue(frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		return resp, nil
	case <-timer.C:
		// Best effort: tell the spoke to stop working on it.
		ch.tryEnqueue(protocol.NewFrame(protocol.FrameSkillCallCancel, corrID, nil))
		return nil, ErrToolTimeout
	case <-ch.done:
		return nil, ch.closeReason()
	case <-ctx.Done():
		ch.tryEnqueue(protocol.NewFrame(protocol.FrameSkillCallCancel, corrID, nil))
		return nil, ctx.Err()
	}
}

// Shutdown drains the hub: new connections and forwards are refused, every
// pending call fails with ErrShuttingDown, and all channels close. Returns
// once the channel goroutines have exited or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.draining.Store(true)

	h.mu.Lock()
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		ch.closeWith(ErrShuttingDown, websocket.CloseGoingAway, "shutting down")
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach installs the channel, superseding any existing one for the device.
func (h *Hub) attach(ch *Channel) {
	h.mu.Lock()
	old := h.channels[ch.device.ID]
	h.channels[ch.device.ID] = ch
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("channel superseded", "device_id", ch.device.ID)
		old.closeWith(ErrDeviceOffline, websocket.CloseGoingAway, "superseded by new connection")
		return // device stays online, no presence transition
	}
	h.logger.Info("device online", "device_id", ch.device.ID, "user_id", ch.device.UserID)
	h.events.Broadcast(bus.Event{
		Name:    protocol.EventDeviceOnline,
		Payload: bus.DevicePayload{DeviceID: ch.device.ID, UserID: ch.device.UserID},
	})
}

// detach removes the channel if it is still the device's current one. A
// superseded channel finds a newer entry and leaves presence untouched.
func (h *Hub) detach(ch *Channel) {
	h.mu.Lock()
	current := h.channels[ch.device.ID] == ch
	if current {
		delete(h.channels, ch.device.ID)
	}
	h.mu.Unlock()

	if !current {
		return
	}
	h.logger.Info("device offline", "device_id", ch.device.ID, "user_id", ch.device.UserID)
	h.events.Broadcast(bus.Event{
		Name:    protocol.EventDeviceOffline,
		Payload: bus.DevicePayload{DeviceID: ch.device.ID, UserID: ch.device.UserID},
	})
}

// nextCorrelationID combines a process-monotonic counter with a random
// suffix so IDs never collide, even across hub restarts mid-call.
func (h *Hub) nextCorrelationID() string {
	var buf [4]byte
	rand.Read(buf[:])
	return fmt.Sprintf("%d-%s", h.callSeq.Add(1), hex.EncodeToString(buf[:]))
}
