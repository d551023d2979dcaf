package sqldb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

func openTest(t *testing.T) (*DB, *store.Stores) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, db.Stores()
}

func seedUser(t *testing.T, stores *store.Stores, username string) *store.User {
	t.Helper()
	u := &store.User{ID: store.NewID(), Username: username, PasswordHash: "x", CreatedAt: time.Now().UTC()}
	if err := stores.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func seedDevice(t *testing.T, stores *store.Stores, userID, name string) *store.Device {
	t.Helper()
	d := &store.Device{
		ID: store.NewID(), UserID: userID, DisplayName: name,
		HashedToken: "hash-" + name, IsActive: true, CreatedAt: time.Now().UTC(),
	}
	if err := stores.Devices.Create(context.Background(), d); err != nil {
		t.Fatalf("create device: %v", err)
	}
	return d
}

func TestOpenReopensCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	u := seedUser(t, db.Stores(), "alice")
	db.Close()

	// Second open replays migrations (no-op) and the schema check.
	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	got, err := db.Stores().Users.GetByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get user after reopen: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("user id = %s, want %s", got.ID, u.ID)
	}
}

func TestAdditiveColumnsPresent(t *testing.T) {
	_, stores := openTest(t)
	ctx := context.Background()

	// tool_call_id and tool_calls are not in the base schema; ensureColumns
	// must have added them or this insert fails.
	u := seedUser(t, stores, "alice")
	sess := &store.Session{ID: store.NewID(), UserID: u.ID, CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC()}
	if err := stores.Sessions.Create(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	m := &store.Message{
		ID: store.NewID(), SessionID: sess.ID, Role: "assistant", Content: "",
		ToolCalls: `[{"id":"c1"}]`, CreatedAt: time.Now().UTC(),
	}
	if err := stores.Sessions.AppendMessage(ctx, m); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := stores.Sessions.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ToolCalls != `[{"id":"c1"}]` {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestMessagesKeepInsertionOrder(t *testing.T) {
	_, stores := openTest(t)
	ctx := context.Background()

	u := seedUser(t, stores, "alice")
	sess := &store.Session{ID: store.NewID(), UserID: u.ID, CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC()}
	if err := stores.Sessions.Create(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 10; i++ {
		m := &store.Message{
			ID: store.NewID(), SessionID: sess.ID, Role: "user",
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := stores.Sessions.AppendMessage(ctx, m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := stores.Sessions.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("messages out of order at %d: %q", i, m.Content)
		}
	}

	n, err := stores.Sessions.CountMessages(ctx, sess.ID)
	if err != nil || n != 10 {
		t.Fatalf("count = %d, %v", n, err)
	}

	// Appends bump the session's last activity.
	got, err := stores.Sessions.GetByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.LastActivity.Before(base.Add(9 * time.Millisecond)) {
		t.Fatalf("last_activity = %v, want >= %v", got.LastActivity, base.Add(9*time.Millisecond))
	}
}

func TestDuplicateUsernameConflicts(t *testing.T) {
	_, stores := openTest(t)
	seedUser(t, stores, "alice")

	err := stores.Users.Create(context.Background(), &store.User{
		ID: store.NewID(), Username: "alice", PasswordHash: "y", CreatedAt: time.Now().UTC(),
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestSkillReplaceIsFullReplacement(t *testing.T) {
	_, stores := openTest(t)
	ctx := context.Background()
	u := seedUser(t, stores, "alice")
	dev := seedDevice(t, stores, u.ID, "kitchen")

	now := time.Now().UTC()
	mkSkill := func(class, method string) store.Skill {
		return store.Skill{
			ID: store.NewID(), DeviceID: dev.ID, ClassName: class, MethodName: method,
			Signature: method + "()", LastHeartbeat: now, CreatedAt: now,
		}
	}

	first := []store.Skill{mkSkill("Music", "play"), mkSkill("Music", "stop")}
	if err := stores.Skills.Replace(ctx, dev.ID, first); err != nil {
		t.Fatalf("first replace: %v", err)
	}

	second := []store.Skill{mkSkill("Lights", "toggle")}
	if err := stores.Skills.Replace(ctx, dev.ID, second); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	got, err := stores.Skills.ListByDevice(ctx, dev.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ClassName != "Lights" || got[0].MethodName != "toggle" {
		t.Fatalf("skills = %+v", got)
	}
}

func TestHeartbeatAndStaleSweep(t *testing.T) {
	_, stores := openTest(t)
	ctx := context.Background()
	u := seedUser(t, stores, "alice")
	dev := seedDevice(t, stores, u.ID, "kitchen")

	stale := time.Now().UTC().Add(-time.Hour)
	skills := []store.Skill{{
		ID: store.NewID(), DeviceID: dev.ID, ClassName: "Music", MethodName: "play",
		Signature: "play()", LastHeartbeat: stale, CreatedAt: stale,
	}}
	if err := stores.Skills.Replace(ctx, dev.ID, skills); err != nil {
		t.Fatalf("replace: %v", err)
	}

	n, err := stores.Skills.TouchHeartbeat(ctx, dev.ID, time.Now().UTC())
	if err != nil || n != 1 {
		t.Fatalf("heartbeat touched %d rows, %v", n, err)
	}

	// Fresh heartbeat keeps the row across a sweep.
	removed, err := stores.Skills.DeleteStale(ctx, time.Now().UTC().Add(-30*time.Minute))
	if err != nil || removed != 0 {
		t.Fatalf("sweep removed %d, %v", removed, err)
	}
	removed, err = stores.Skills.DeleteStale(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || removed != 1 {
		t.Fatalf("aggressive sweep removed %d, %v", removed, err)
	}
}

func TestSessionDeleteRemovesMessages(t *testing.T) {
	_, stores := openTest(t)
	ctx := context.Background()
	u := seedUser(t, stores, "alice")

	sess := &store.Session{ID: store.NewID(), UserID: u.ID, CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC()}
	if err := stores.Sessions.Create(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	m := &store.Message{ID: store.NewID(), SessionID: sess.ID, Role: "user", Content: "hi", CreatedAt: time.Now().UTC()}
	if err := stores.Sessions.AppendMessage(ctx, m); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := stores.Sessions.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := stores.Sessions.GetByID(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := stores.Sessions.Delete(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("double delete: got %v, want ErrNotFound", err)
	}
}
