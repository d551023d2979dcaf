// Package sessions manages conversation sessions and their transcripts on
// top of the session store: creation, listing, renaming, auto-titling and
// serialized message appends.
package sessions

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

// titleWidth bounds auto-generated titles to 60 display cells, so CJK input
// doesn't produce titles twice as wide as intended.
const titleWidth = 60

// DefaultActivityWindow is how long a session counts as active for routing
// follow-up turns from the same device.
const DefaultActivityWindow = 15 * time.Minute

// Service wraps the session store with ownership checks and per-session
// write serialization.
type Service struct {
	sessions store.SessionStore
	window   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(sessions store.SessionStore, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultActivityWindow
	}
	return &Service{
		sessions: sessions,
		window:   window,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Create starts a new session. DeviceID is empty for plain API clients.
func (s *Service) Create(ctx context.Context, userID, deviceID string) (*store.Session, error) {
	now := time.Now().UTC()
	sess := &store.Session{
		ID:           store.NewID(),
		UserID:       userID,
		DeviceID:     deviceID,
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session if it belongs to userID. Foreign sessions come
// back as ErrNotFound so their existence doesn't leak.
func (s *Service) Get(ctx context.Context, userID, id string) (*store.Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// List pages through the user's sessions, most recently active first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]store.Session, int, error) {
	return s.sessions.List(ctx, store.SessionListOpts{UserID: userID, Limit: limit, Offset: offset})
}

func (s *Service) Rename(ctx context.Context, userID, id, title string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.sessions.Rename(ctx, id, strings.TrimSpace(title))
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.sessions.Delete(ctx, id)
}

// Messages returns the transcript in order. limit <= 0 means all.
func (s *Service) Messages(ctx context.Context, userID, id string, limit int) ([]store.Message, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.sessions.ListMessages(ctx, id, limit)
}

// Append writes one message under the session's write lock, auto-titling
// the session from its first user message.
func (s *Service) Append(ctx context.Context, m *store.Message) error {
	lock := s.lockFor(m.SessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLocked(ctx, m)
}

// AppendAll writes a turn's buffered messages in order while holding the
// session lock for the whole batch, so concurrent turns on the same session
// cannot interleave transcripts.
func (s *Service) AppendAll(ctx context.Context, sessionID string, msgs []*store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	for _, m := range msgs {
		m.SessionID = sessionID
		if err := s.appendLocked(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// appendLocked is the shared append body. Callers hold lockFor(m.SessionID).
func (s *Service) appendLocked(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = store.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if m.Role == "user" {
		sess, err := s.sessions.GetByID(ctx, m.SessionID)
		if err != nil {
			return err
		}
		if sess.Title == "" {
			if title := TitleFromMessage(m.Content); title != "" {
				if err := s.sessions.Rename(ctx, m.SessionID, title); err != nil {
					return err
				}
			}
		}
	}
	return s.sessions.AppendMessage(ctx, m)
}

// IsExpired reports whether the session has fallen outside the activity
// window. Expired sessions persist; they just stop attracting new turns.
func (s *Service) IsExpired(sess *store.Session, now time.Time) bool {
	return now.Sub(sess.LastActivity) > s.window
}

// ActiveForDevice finds the device's most recently active non-expired
// session, for routing a new turn that carries no session_id.
func (s *Service) ActiveForDevice(ctx context.Context, userID, deviceID string) (*store.Session, error) {
	list, _, err := s.sessions.List(ctx, store.SessionListOpts{UserID: userID, Limit: 50})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range list {
		sess := &list[i]
		if sess.DeviceID == deviceID && sess.IsActive && !s.IsExpired(sess, now) {
			return sess, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Service) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// TitleFromMessage derives a session title from the first user message:
// whitespace collapsed, truncated to 60 display cells.
func TitleFromMessage(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	return runewidth.Truncate(title, titleWidth, "…")
}
