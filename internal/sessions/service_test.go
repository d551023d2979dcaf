package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/store/memstore"
)

func newTestService(t *testing.T) (*Service, *store.Stores) {
	t.Helper()
	stores := memstore.New()
	return NewService(stores.Sessions, 15*time.Minute), stores
}

func TestCreateAndOwnershipScoping(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "u1", "dev1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !sess.IsActive || sess.UserID != "u1" || sess.DeviceID != "dev1" {
		t.Fatalf("got %+v", sess)
	}

	if _, err := svc.Get(ctx, "u1", sess.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	// Another user's lookup must not reveal the session exists.
	if _, err := svc.Get(ctx, "u2", sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := svc.Delete(ctx, "u2", sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound on foreign delete", err)
	}
}

func TestAutoTitleFromFirstUserMessage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "u1", "")

	if err := svc.Append(ctx, &store.Message{
		SessionID: sess.ID, Role: "user",
		Content: "  turn on\n the   kitchen lights  ",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, _ := svc.Get(ctx, "u1", sess.ID)
	if got.Title != "turn on the kitchen lights" {
		t.Fatalf("title = %q", got.Title)
	}

	// Second user message must not retitle.
	svc.Append(ctx, &store.Message{SessionID: sess.ID, Role: "user", Content: "another message"})
	got, _ = svc.Get(ctx, "u1", sess.ID)
	if got.Title != "turn on the kitchen lights" {
		t.Fatalf("title changed to %q", got.Title)
	}
}

func TestTitleTruncatesByDisplayWidth(t *testing.T) {
	long := strings.Repeat("a", 100)
	title := TitleFromMessage(long)
	if w := runewidth.StringWidth(title); w > titleWidth {
		t.Fatalf("title width %d > %d", w, titleWidth)
	}
	if !strings.HasSuffix(title, "…") {
		t.Fatalf("truncated title missing ellipsis: %q", title)
	}

	// Wide runes take two cells each, so fewer of them fit.
	wide := strings.Repeat("日", 100)
	wideTitle := TitleFromMessage(wide)
	if w := runewidth.StringWidth(wideTitle); w > titleWidth {
		t.Fatalf("wide title width %d > %d", w, titleWidth)
	}
	if len([]rune(wideTitle)) >= len([]rune(title)) {
		t.Fatal("wide runes should fit fewer characters than narrow ones")
	}
}

func TestAppendOrdersTranscript(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "u1", "")

	msgs := []*store.Message{
		{Role: "user", Content: "turn on the lights"},
		{Role: "assistant", Content: "", ToolCalls: `[{"id":"c1"}]`},
		{Role: "tool", Content: `{"success":true}`, ToolCallID: "c1"},
		{Role: "assistant", Content: "Done, lights are on."},
	}
	if err := svc.AppendAll(ctx, sess.ID, msgs); err != nil {
		t.Fatalf("append all: %v", err)
	}

	got, err := svc.Messages(ctx, "u1", sess.ID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d messages", len(got))
	}
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	for i, role := range wantRoles {
		if got[i].Role != role {
			t.Fatalf("message %d role = %q, want %q", i, got[i].Role, role)
		}
	}
	if got[2].ToolCallID != "c1" {
		t.Fatalf("tool message lost its call id: %+v", got[2])
	}
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "u1", "")

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			svc.AppendAll(ctx, sess.ID, []*store.Message{
				{Role: "user", Content: fmt.Sprintf("turn %d", n)},
				{Role: "assistant", Content: fmt.Sprintf("reply %d", n)},
			})
		}(i)
	}
	wg.Wait()

	got, err := svc.Messages(ctx, "u1", sess.ID, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != turns*2 {
		t.Fatalf("got %d messages, want %d", len(got), turns*2)
	}

	// Each turn's user/assistant pair must be adjacent in the transcript.
	for i := 0; i < len(got); i += 2 {
		user, reply := got[i], got[i+1]
		if user.Role != "user" || reply.Role != "assistant" {
			t.Fatalf("messages %d/%d roles = %q/%q, want user/assistant", i, i+1, user.Role, reply.Role)
		}
		var n int
		if _, err := fmt.Sscanf(user.Content, "turn %d", &n); err != nil {
			t.Fatalf("message %d content = %q: %v", i, user.Content, err)
		}
		if want := fmt.Sprintf("reply %d", n); reply.Content != want {
			t.Fatalf("turn %d split across the transcript: user followed by %q, want %q", n, reply.Content, want)
		}
	}
}

func TestListPagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.Create(ctx, "u1", "")
	}
	svc.Create(ctx, "u2", "")

	page, total, err := svc.List(ctx, "u1", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total=%d page=%d, want 5/2", total, len(page))
	}
	rest, _, _ := svc.List(ctx, "u1", 10, 2)
	if len(rest) != 3 {
		t.Fatalf("offset page len=%d, want 3", len(rest))
	}
}

func TestActiveForDevice(t *testing.T) {
	svc, stores := newTestService(t)
	ctx := context.Background()

	fresh, _ := svc.Create(ctx, "u1", "dev1")
	stale, _ := svc.Create(ctx, "u1", "dev1")
	svc.Create(ctx, "u1", "dev2")

	// Age the stale session past the activity window.
	old := time.Now().UTC().Add(-time.Hour)
	if err := stores.Sessions.TouchActivity(ctx, stale.ID, old); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, err := svc.ActiveForDevice(ctx, "u1", "dev1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if got.ID != fresh.ID {
		t.Fatalf("got %s, want the fresh session %s", got.ID, fresh.ID)
	}

	if _, err := svc.ActiveForDevice(ctx, "u1", "dev3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound for unknown device", err)
	}
}

func TestIsExpired(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Now().UTC()
	sess := &store.Session{LastActivity: now.Add(-10 * time.Minute)}
	if svc.IsExpired(sess, now) {
		t.Fatal("10 min old should be active in a 15 min window")
	}
	sess.LastActivity = now.Add(-16 * time.Minute)
	if !svc.IsExpired(sess, now) {
		t.Fatal("16 min old should be expired")
	}
}
