// Package registry tracks which skills live on which devices. Rows are
// soft-leased: a skill is live only while its heartbeat is fresh and its
// device's channel is open.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/identity"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

var ErrSkillNotFound = errors.New("skill not found")

// Presence answers whether a device currently has an open channel.
// Implemented by the spoke hub.
type Presence interface {
	IsOnline(deviceID string) bool
}

// alwaysOffline is the presence used before the spoke hub attaches.
type alwaysOffline struct{}

func (alwaysOffline) IsOnline(string) bool { return false }

// Registry is the skill registry service.
type Registry struct {
	skills   store.SkillStore
	devices  store.DeviceStore
	presence Presence
	ttl      time.Duration
}

func New(skills store.SkillStore, devices store.DeviceStore, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		skills:   skills,
		devices:  devices,
		presence: alwaysOffline{},
		ttl:      ttl,
	}
}

// SetPresence attaches the spoke hub once it exists. Until then every
// device counts as offline and no skill is live.
func (r *Registry) SetPresence(p Presence) { r.presence = p }

// TTL returns the skill lease duration.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register replaces a device's skill set and bumps its heartbeat. It also
// resolves intra-user display-name collisions: if another device of the
// same user already holds the normalized name, this device is renamed with
// a _2, _3, ... suffix and the resolved name is returned.
func (r *Registry) Register(ctx context.Context, deviceID string, infos []protocol.SkillInfo) (int, string, error) {
	dev, err := r.devices.GetByID(ctx, deviceID)
	if err != nil {
		return 0, "", err
	}

	resolved, err := r.resolveCollision(ctx, dev)
	if err != nil {
		return 0, "", err
	}

	now := time.Now().UTC()
	rows := make([]store.Skill, 0, len(infos))
	for _, in := range infos {
		if in.ClassName == "" || in.MethodName == "" {
			return 0, "", fmt.Errorf("skill entries require class_name and method_name")
		}
		rows = append(rows, store.Skill{
			ID:            store.NewID(),
			DeviceID:      deviceID,
			ClassName:     in.ClassName,
			MethodName:    in.MethodName,
			Signature:     in.Signature,
			Docstring:     in.Docstring,
			ClassSummary:  in.ClassSummary,
			LastHeartbeat: now,
			CreatedAt:     now,
		})
	}
	if err := r.skills.Replace(ctx, deviceID, rows); err != nil {
		return 0, "", fmt.Errorf("replace skills: %w", err)
	}
	return len(rows), resolved, nil
}

// Heartbeat bumps the lease on all of a device's skills. Returns the row
// count so the Spoke can detect a lost registration and re-register.
func (r *Registry) Heartbeat(ctx context.Context, deviceID string) (int, error) {
	now := time.Now().UTC()
	n, err := r.skills.TouchHeartbeat(ctx, deviceID, now)
	if err != nil {
		return 0, err
	}
	if err := r.devices.SetLastSeen(ctx, deviceID, now); err != nil {
		return n, err
	}
	return n, nil
}

// ResolveDevice maps a normalized display name to a device ID within a
// user's fleet. Used to route python_exec to the right Spoke.
func (r *Registry) ResolveDevice(ctx context.Context, userID, displayName string) (string, error) {
	devices, err := r.devices.ListByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	want := identity.NormalizeDisplayName(displayName)
	for _, d := range devices {
		if identity.NormalizeDisplayName(d.DisplayName) == want {
			return d.ID, nil
		}
	}
	return "", store.ErrNotFound
}

// liveSkills returns the user's skills that are both fresh and hosted on a
// device with an open channel.
func (r *Registry) liveSkills(ctx context.Context, userID string) ([]store.Skill, error) {
	fresh, err := r.skills.ListByUser(ctx, userID, time.Now().UTC().Add(-r.ttl))
	if err != nil {
		return nil, err
	}
	live := fresh[:0]
	for _, sk := range fresh {
		if r.presence.IsOnline(sk.DeviceID) {
			live = append(live, sk)
		}
	}
	return live, nil
}

func (r *Registry) resolveCollision(ctx context.Context, dev *store.Device) (string, error) {
	siblings, err := r.devices.ListByUser(ctx, dev.UserID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(siblings))
	for _, d := range siblings {
		if d.ID == dev.ID {
			continue
		}
		taken[identity.NormalizeDisplayName(d.DisplayName)] = true
	}
	if !taken[identity.NormalizeDisplayName(dev.DisplayName)] {
		return dev.DisplayName, nil
	}

	base := identity.NormalizeDisplayName(dev.DisplayName)
	// Strip an existing _N suffix so kitchen_2 colliding again becomes
	// kitchen_3, not kitchen_2_2.
	if i := strings.LastIndex(base, "_"); i > 0 {
		if _, err := fmt.Sscanf(base[i+1:], "%d", new(int)); err == nil {
			base = base[:i]
		}
	}
	resolved := base
	for i := 2; taken[resolved]; i++ {
		resolved = fmt.Sprintf("%s_%d", base, i)
	}
	if err := r.devices.Rename(ctx, dev.ID, resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// deviceNames returns id → display name for a user's devices.
func (r *Registry) deviceNames(ctx context.Context, userID string) (map[string]string, error) {
	devices, err := r.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(devices))
	for _, d := range devices {
		names[d.ID] = d.DisplayName
	}
	return names, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
