package httpapi

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/hearth/internal/identity"
)

// principalHandler is a handler that runs after bearer resolution.
type principalHandler func(w http.ResponseWriter, r *http.Request, p *identity.Principal)

// auth resolves the bearer token and applies per-principal rate limiting.
// Both credential types are accepted; handlers that care use the kind.
func (a *API) auth(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := a.identity.Authenticate(r.Context(), extractBearerToken(r))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if a.limiter != nil && !a.limiter.allow(principalKey(p)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
			return
		}
		next(w, r, p)
	}
}

// user restricts a route to user principals.
func (a *API) user(next principalHandler) http.HandlerFunc {
	return a.auth(func(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
		if p.Kind != identity.PrincipalUser {
			a.writeError(w, r, identity.ErrPermissionDenied)
			return
		}
		next(w, r, p)
	})
}

// admin restricts a route to admin users.
func (a *API) admin(next principalHandler) http.HandlerFunc {
	return a.auth(func(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
		if p.Kind != identity.PrincipalUser || !p.Admin {
			a.writeError(w, r, identity.ErrPermissionDenied)
			return
		}
		next(w, r, p)
	})
}

// device restricts a route to device principals.
func (a *API) device(next principalHandler) http.HandlerFunc {
	return a.auth(func(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
		if p.Kind != identity.PrincipalDevice {
			a.writeError(w, r, identity.ErrPermissionDenied)
			return
		}
		next(w, r, p)
	})
}

func principalKey(p *identity.Principal) string {
	if p.Kind == identity.PrincipalDevice {
		return "device:" + p.Device.ID
	}
	return "user:" + p.User.ID
}

// principalLimiter keeps one token bucket per principal. Buckets are never
// evicted; the principal population is small (a household's users and
// devices).
type principalLimiter struct {
	mu       sync.Mutex
	rpm      int
	limiters map[string]*rate.Limiter
}

func newPrincipalLimiter(rpm int) *principalLimiter {
	return &principalLimiter{rpm: rpm, limiters: make(map[string]*rate.Limiter)}
}

func (l *principalLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rpm)/60, l.rpm)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
