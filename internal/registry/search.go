package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

// Hit is one search result. Devices lists every display name hosting an
// identical (class, method) pair; Path is what the LLM feeds back into
// describe_function or python_exec.
type Hit struct {
	Path      string   `json:"path"`
	Signature string   `json:"signature"`
	Summary   string   `json:"summary,omitempty"`
	Devices   []string `json:"devices"`
	DeviceID  string   `json:"-"` // preferred hosting device
}

// Scoring weights, highest first. Ties break on the caller's own device,
// then alphabetical path.
const (
	scoreExactMethod  = 10
	scoreExactClass   = 5
	scoreSubstrMethod = 3
	scoreSubstrClass  = 2
	scoreSubstrDoc    = 1
)

// Search ranks the user's live skills against a free-text query.
func (r *Registry) Search(ctx context.Context, userID, query, currentDeviceID string) ([]Hit, error) {
	live, err := r.liveSkills(ctx, userID)
	if err != nil {
		return nil, err
	}
	names, err := r.deviceNames(ctx, userID)
	if err != nil {
		return nil, err
	}

	multiDevice := len(hostingDevices(live)) > 1
	q := strings.ToLower(strings.TrimSpace(query))

	type group struct {
		skill   store.Skill
		score   int
		devices map[string]bool
		onCur   bool
	}
	groups := make(map[string]*group)

	for _, sk := range live {
		score := scoreSkill(sk, q)
		if q != "" && score == 0 {
			continue
		}
		key := sk.ClassName + "." + sk.MethodName
		g, ok := groups[key]
		if !ok {
			g = &group{skill: sk, score: score, devices: make(map[string]bool)}
			groups[key] = g
		}
		g.devices[names[sk.DeviceID]] = true
		if sk.DeviceID == currentDeviceID {
			g.onCur = true
			g.skill = sk
		}
		if score > g.score {
			g.score = score
		}
	}

	hits := make([]Hit, 0, len(groups))
	scores := make(map[string]int, len(groups))
	onCurrent := make(map[string]bool, len(groups))
	for _, g := range groups {
		path := g.skill.ClassName + "." + g.skill.MethodName
		if multiDevice {
			path = names[g.skill.DeviceID] + "." + path
		}
		hits = append(hits, Hit{
			Path:      path,
			Signature: g.skill.Signature,
			Summary:   summarize(g.skill),
			Devices:   sortedKeys(g.devices),
			DeviceID:  g.skill.DeviceID,
		})
		scores[path] = g.score
		onCurrent[path] = g.onCur
	}

	sort.Slice(hits, func(i, j int) bool {
		si, sj := scores[hits[i].Path], scores[hits[j].Path]
		if si != sj {
			return si > sj
		}
		ci, cj := onCurrent[hits[i].Path], onCurrent[hits[j].Path]
		if ci != cj {
			return ci
		}
		return hits[i].Path < hits[j].Path
	})
	return hits, nil
}

// Describe resolves a path of the form Device.Class.method (multi-device)
// or Class.method (single device) to the skill's signature and docstring.
func (r *Registry) Describe(ctx context.Context, userID, path string) (*store.Skill, error) {
	parts := strings.Split(strings.TrimSpace(path), ".")

	live, err := r.liveSkills(ctx, userID)
	if err != nil {
		return nil, err
	}
	names, err := r.deviceNames(ctx, userID)
	if err != nil {
		return nil, err
	}

	var deviceName, className, methodName string
	switch len(parts) {
	case 2:
		className, methodName = parts[0], parts[1]
	case 3:
		deviceName, className, methodName = parts[0], parts[1], parts[2]
	default:
		return nil, fmt.Errorf("%w: path %q must be Class.method or Device.Class.method", ErrSkillNotFound, path)
	}

	for _, sk := range live {
		if sk.ClassName != className || sk.MethodName != methodName {
			continue
		}
		if deviceName != "" && !displayNameMatches(names[sk.DeviceID], deviceName) {
			continue
		}
		return &sk, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, path)
}

func scoreSkill(sk store.Skill, q string) int {
	if q == "" {
		return 1 // empty query lists everything
	}
	method := strings.ToLower(sk.MethodName)
	class := strings.ToLower(sk.ClassName)
	doc := strings.ToLower(sk.Docstring + " " + sk.ClassSummary)

	score := 0
	switch {
	case method == q:
		score += scoreExactMethod
	case strings.Contains(method, q):
		score += scoreSubstrMethod
	}
	switch {
	case class == q:
		score += scoreExactClass
	case strings.Contains(class, q):
		score += scoreSubstrClass
	}
	if strings.Contains(doc, q) {
		score += scoreSubstrDoc
	}
	return score
}

// summarize prefers the first docstring line, falling back to the cached
// class summary so broad queries still return something readable.
func summarize(sk store.Skill) string {
	doc := strings.TrimSpace(sk.Docstring)
	if doc == "" {
		return strings.TrimSpace(sk.ClassSummary)
	}
	if i := strings.IndexByte(doc, '\n'); i > 0 {
		return strings.TrimSpace(doc[:i])
	}
	return doc
}

func displayNameMatches(actual, wanted string) bool {
	return strings.EqualFold(actual, wanted) ||
		strings.EqualFold(normalizeForMatch(actual), normalizeForMatch(wanted))
}

func normalizeForMatch(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			return r
		default:
			return '_'
		}
	}, s)
}

func hostingDevices(skills []store.Skill) map[string]bool {
	set := make(map[string]bool)
	for _, sk := range skills {
		set[sk.DeviceID] = true
	}
	return set
}
