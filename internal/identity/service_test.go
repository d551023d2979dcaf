package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/store/memstore"
)

func newTestService(t *testing.T, expiry time.Duration) (*Service, *store.Stores) {
	t.Helper()
	stores := memstore.New()
	return NewService(stores.Users, stores.Devices, "test-secret", expiry), stores
}

func TestSetupSucceedsExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()

	u, err := svc.Setup(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !u.IsAdmin {
		t.Fatal("first account must be admin")
	}

	if _, err := svc.Setup(ctx, "mallory", "pw"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second setup: got %v, want ErrAlreadyInitialized", err)
	}
}

func TestLogin(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()
	svc.Setup(ctx, "alice", "pw")

	token, expiry, err := svc.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token == "" || !expiry.After(time.Now()) {
		t.Fatalf("token=%q expiry=%v", token, expiry)
	}

	if _, _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: got %v", err)
	}
}

func TestAuthenticateUserToken(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()
	admin, _ := svc.Setup(ctx, "alice", "pw")
	token, _, _ := svc.Login(ctx, "alice", "pw")

	p, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Kind != PrincipalUser || p.UserID != admin.ID || !p.Admin {
		t.Fatalf("principal = %+v", p)
	}

	if _, err := svc.Authenticate(ctx, "garbage"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("garbage token: got %v", err)
	}
	if _, err := svc.Authenticate(ctx, ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty token: got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	svc, _ := newTestService(t, time.Millisecond)
	ctx := context.Background()
	svc.Setup(ctx, "alice", "pw")
	token, _, _ := svc.Login(ctx, "alice", "pw")

	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Authenticate(ctx, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestDeviceTokenLifecycle(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()
	admin, _ := svc.Setup(ctx, "alice", "pw")

	dev, plaintext, err := svc.CreateDevice(ctx, admin.ID, "Living Room PC")
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	if !strings.HasPrefix(plaintext, "hearth_") {
		t.Fatalf("token %q missing prefix", plaintext)
	}
	if dev.HashedToken == plaintext {
		t.Fatal("plaintext stored verbatim")
	}

	p, err := svc.Authenticate(ctx, plaintext)
	if err != nil {
		t.Fatalf("authenticate device: %v", err)
	}
	if p.Kind != PrincipalDevice || p.Device.ID != dev.ID || p.UserID != admin.ID {
		t.Fatalf("principal = %+v", p)
	}
}

func TestDeviceDisplayNameDisambiguation(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()
	admin, _ := svc.Setup(ctx, "alice", "pw")

	names := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		d, _, err := svc.CreateDevice(ctx, admin.ID, "Kitchen")
		if err != nil {
			t.Fatalf("create device %d: %v", i, err)
		}
		names = append(names, d.DisplayName)
	}
	if names[0] != "Kitchen" || names[1] != "kitchen_2" || names[2] != "kitchen_3" {
		t.Fatalf("names = %v", names)
	}
}

func TestNormalizeDisplayName(t *testing.T) {
	cases := map[string]string{
		"Living Room PC": "living_room_pc",
		"Kitchen":        "kitchen",
		"  Déjà Vu  ":    "d_j__vu",
		"dev-01":         "dev_01",
	}
	for in, want := range cases {
		if got := NormalizeDisplayName(in); got != want {
			t.Errorf("NormalizeDisplayName(%q) = %q, want %q", in, got, want)
		}
	}
}
