// Package memstore is an in-memory store implementation for tests and
// single-process experiments. It mirrors the sqldb semantics, including
// ErrNotFound / ErrConflict mapping, without touching disk.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

// New returns a fully wired in-memory Stores container.
func New() *store.Stores {
	db := &db{
		users:    make(map[string]store.User),
		devices:  make(map[string]store.Device),
		skills:   make(map[string][]store.Skill),
		sessions: make(map[string]store.Session),
		messages: make(map[string][]store.Message),
	}
	return &store.Stores{
		Users:    &userStore{db},
		Devices:  &deviceStore{db},
		Skills:   &skillStore{db},
		Sessions: &sessionStore{db},
	}
}

type db struct {
	mu       sync.RWMutex
	users    map[string]store.User
	devices  map[string]store.Device
	skills   map[string][]store.Skill // keyed by device ID
	sessions map[string]store.Session
	messages map[string][]store.Message // keyed by session ID
}

type userStore struct{ db *db }

func (s *userStore) Create(_ context.Context, u *store.User) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return store.ErrConflict
		}
	}
	s.db.users[u.ID] = *u
	return nil
}

func (s *userStore) GetByID(_ context.Context, id string) (*store.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	u, ok := s.db.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *userStore) GetByUsername(_ context.Context, username string) (*store.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, u := range s.db.users {
		if u.Username == username {
			u := u
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *userStore) List(_ context.Context) ([]store.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	users := make([]store.User, 0, len(s.db.users))
	for _, u := range s.db.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *userStore) Count(_ context.Context) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return len(s.db.users), nil
}

func (s *userStore) SetLastLogin(_ context.Context, id string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LastLogin = &at
	s.db.users[id] = u
	return nil
}

func (s *userStore) Delete(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.db.users, id)
	return nil
}

type deviceStore struct{ db *db }

func (s *deviceStore) Create(_ context.Context, d *store.Device) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.devices[d.ID] = *d
	return nil
}

func (s *deviceStore) GetByID(_ context.Context, id string) (*store.Device, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	d, ok := s.db.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (s *deviceStore) GetByHashedToken(_ context.Context, hash string) (*store.Device, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, d := range s.db.devices {
		if d.HashedToken == hash && d.IsActive {
			d := d
			return &d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *deviceStore) ListByUser(_ context.Context, userID string) ([]store.Device, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var devices []store.Device
	for _, d := range s.db.devices {
		if d.UserID == userID {
			devices = append(devices, d)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (s *deviceStore) Rename(_ context.Context, id, displayName string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	d, ok := s.db.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	d.DisplayName = displayName
	s.db.devices[id] = d
	return nil
}

func (s *deviceStore) SetLastSeen(_ context.Context, id string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	d, ok := s.db.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	d.LastSeen = &at
	s.db.devices[id] = d
	return nil
}

func (s *deviceStore) Delete(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.devices[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.db.devices, id)
	delete(s.db.skills, id)
	return nil
}

type skillStore struct{ db *db }

func (s *skillStore) Replace(_ context.Context, deviceID string, skills []store.Skill) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.skills[deviceID] = append([]store.Skill(nil), skills...)
	return nil
}

func (s *skillStore) ListByDevice(_ context.Context, deviceID string) ([]store.Skill, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return append([]store.Skill(nil), s.db.skills[deviceID]...), nil
}

func (s *skillStore) ListByUser(_ context.Context, userID string, freshSince time.Time) ([]store.Skill, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []store.Skill
	for deviceID, skills := range s.db.skills {
		d, ok := s.db.devices[deviceID]
		if !ok || d.UserID != userID || !d.IsActive {
			continue
		}
		for _, sk := range skills {
			if !sk.LastHeartbeat.Before(freshSince) {
				out = append(out, sk)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *skillStore) TouchHeartbeat(_ context.Context, deviceID string, at time.Time) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	skills := s.db.skills[deviceID]
	for i := range skills {
		skills[i].LastHeartbeat = at
	}
	return len(skills), nil
}

func (s *skillStore) DeleteStale(_ context.Context, olderThan time.Time) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	removed := 0
	for deviceID, skills := range s.db.skills {
		kept := skills[:0]
		for _, sk := range skills {
			if sk.LastHeartbeat.Before(olderThan) {
				removed++
			} else {
				kept = append(kept, sk)
			}
		}
		s.db.skills[deviceID] = kept
	}
	return removed, nil
}

func (s *skillStore) DeleteByDevice(_ context.Context, deviceID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	delete(s.db.skills, deviceID)
	return nil
}

type sessionStore struct{ db *db }

func (s *sessionStore) Create(_ context.Context, sess *store.Session) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.sessions[sess.ID] = *sess
	return nil
}

func (s *sessionStore) GetByID(_ context.Context, id string) (*store.Session, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *sessionStore) List(_ context.Context, opts store.SessionListOpts) ([]store.Session, int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var all []store.Session
	for _, sess := range s.db.sessions {
		if sess.UserID == opts.UserID {
			all = append(all, sess)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastActivity.Equal(all[j].LastActivity) {
			return all[i].LastActivity.After(all[j].LastActivity)
		}
		return all[i].ID > all[j].ID
	})
	total := len(all)

	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if opts.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[opts.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *sessionStore) Rename(_ context.Context, id, title string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Title = title
	s.db.sessions[id] = sess
	return nil
}

func (s *sessionStore) TouchActivity(_ context.Context, id string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.LastActivity = at
	s.db.sessions[id] = sess
	return nil
}

func (s *sessionStore) Delete(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.db.sessions, id)
	delete(s.db.messages, id)
	return nil
}

func (s *sessionStore) AppendMessage(_ context.Context, m *store.Message) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.messages[m.SessionID] = append(s.db.messages[m.SessionID], *m)
	if sess, ok := s.db.sessions[m.SessionID]; ok {
		sess.LastActivity = m.CreatedAt
		s.db.sessions[m.SessionID] = sess
	}
	return nil
}

func (s *sessionStore) ListMessages(_ context.Context, sessionID string, limit int) ([]store.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	msgs := append([]store.Message(nil), s.db.messages[sessionID]...)
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *sessionStore) CountMessages(_ context.Context, sessionID string) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return len(s.db.messages[sessionID]), nil
}
