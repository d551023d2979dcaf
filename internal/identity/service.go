// Package identity handles the hub's two credential types: username/password
// user accounts that obtain short-lived JWT bearers, and long-lived opaque
// device tokens whose salted hashes are the only thing the hub stores.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrTokenExpired       = errors.New("token_expired")
	ErrPermissionDenied   = errors.New("permission_denied")
	ErrAlreadyInitialized = errors.New("setup already completed")
)

// PrincipalKind distinguishes the two credential types at authorization time.
type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalDevice PrincipalKind = "device"
)

// Principal is the resolved identity behind a bearer token.
type Principal struct {
	Kind   PrincipalKind
	User   *store.User   // set for user principals
	Device *store.Device // set for device principals
	UserID string        // owning user in both cases
	Admin  bool
}

// Service implements login, device enrollment and bearer resolution.
type Service struct {
	users       store.UserStore
	devices     store.DeviceStore
	secret      []byte
	tokenExpiry time.Duration
}

func NewService(users store.UserStore, devices store.DeviceStore, jwtSecret string, tokenExpiry time.Duration) *Service {
	if tokenExpiry <= 0 {
		tokenExpiry = time.Hour
	}
	return &Service{
		users:       users,
		devices:     devices,
		secret:      []byte(jwtSecret),
		tokenExpiry: tokenExpiry,
	}
}

// Setup creates the first admin account. It succeeds exactly once per
// database lifetime.
func (s *Service) Setup(ctx context.Context, username, password string) (*store.User, error) {
	n, err := s.users.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return nil, ErrAlreadyInitialized
	}
	return s.CreateUser(ctx, username, password, true)
}

// CreateUser adds an account. Callers enforce admin authorization.
func (s *Service) CreateUser(ctx context.Context, username, password string, admin bool) (*store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &store.User{
		ID:           store.NewID(),
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      admin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies a password and issues a user bearer token.
func (s *Service) Login(ctx context.Context, username, password string) (token string, expiry time.Time, err error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", time.Time{}, ErrInvalidCredentials
		}
		return "", time.Time{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	token, expiry, err = s.signToken(u.ID, u.Username, u.IsAdmin, now)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	if err := s.users.SetLastLogin(ctx, u.ID, now); err != nil {
		return "", time.Time{}, err
	}
	return token, expiry, nil
}

// CreateDevice enrolls a device under a user and returns the plaintext
// token exactly once. Display names colliding within the user's devices
// are suffixed _2, _3, ... (case-insensitive).
func (s *Service) CreateDevice(ctx context.Context, userID, displayName string) (*store.Device, string, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, "", fmt.Errorf("display_name is required")
	}

	existing, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, d := range existing {
		taken[NormalizeDisplayName(d.DisplayName)] = true
	}
	resolved := displayName
	for i := 2; taken[NormalizeDisplayName(resolved)]; i++ {
		resolved = fmt.Sprintf("%s_%d", NormalizeDisplayName(displayName), i)
	}

	plaintext, hash, err := newDeviceToken()
	if err != nil {
		return nil, "", err
	}
	d := &store.Device{
		ID:          store.NewID(),
		UserID:      userID,
		DisplayName: resolved,
		HashedToken: hash,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.devices.Create(ctx, d); err != nil {
		return nil, "", err
	}
	return d, plaintext, nil
}

// Authenticate resolves a bearer token into a principal. User JWTs are
// tried first; anything else is matched against the device token table.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, ErrInvalidCredentials
	}

	if claims, err := s.parseToken(bearer); err == nil {
		u, uerr := s.users.GetByID(ctx, claims.Subject)
		if uerr != nil {
			return nil, ErrInvalidCredentials
		}
		return &Principal{Kind: PrincipalUser, User: u, UserID: u.ID, Admin: u.IsAdmin}, nil
	} else if errors.Is(err, ErrTokenExpired) {
		return nil, err
	}

	d, err := s.devices.GetByHashedToken(ctx, HashDeviceToken(bearer))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return &Principal{Kind: PrincipalDevice, Device: d, UserID: d.UserID}, nil
}

// NormalizeDisplayName lowercases and underscores a display name for
// collision checks and python_exec device resolution.
func NormalizeDisplayName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}

// newDeviceToken mints a 256-bit opaque token and its storage hash.
func newDeviceToken() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	plaintext = "hearth_" + hex.EncodeToString(buf)
	return plaintext, HashDeviceToken(plaintext), nil
}

// HashDeviceToken is the storage form of a device token. Lookup by hash
// keeps the comparison constant-time.
func HashDeviceToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
