package superres

import (
	"log/slog"
	"path"
	"strings"
)

// Target is what the backend actually loads for a requested model.
type Target struct {
	ModelName  string
	WeightPath string
}

// Resolve accepts a catalog id, a raw weight file name or an explicit
// path/URL. ".pth" is trimmed from bare names; a path or URL is kept as the
// weight path and its file stem becomes the model name.
func Resolve(name string) Target {
	name = strings.TrimSpace(name)
	if isLocation(name) {
		stem := path.Base(strings.ReplaceAll(name, `\`, "/"))
		stem = strings.TrimSuffix(stem, path.Ext(stem))
		return Target{ModelName: stem, WeightPath: name}
	}
	return Target{ModelName: strings.TrimSuffix(name, ".pth")}
}

func isLocation(name string) bool {
	return strings.HasPrefix(name, "http://") ||
		strings.HasPrefix(name, "https://") ||
		strings.ContainsAny(name, `/\`)
}

// Policy restricts which models callers may select. The zero value allows
// everything.
type Policy struct {
	allowed  map[string]bool
	fallback string
}

func NewPolicy(allowed []string, fallback string) Policy {
	if len(allowed) == 0 {
		return Policy{fallback: fallback}
	}
	p := Policy{allowed: make(map[string]bool, len(allowed)+1), fallback: fallback}
	for _, id := range allowed {
		p.allowed[strings.TrimSuffix(strings.TrimSpace(id), ".pth")] = true
	}
	if fallback != "" {
		p.allowed[fallback] = true
	}
	return p
}

// Restricted reports whether an allow-list is in force.
func (p Policy) Restricted() bool { return p.allowed != nil }

// Apply returns name when it is allowed and the fallback model otherwise.
// Paths and URLs are never allowed under a restriction.
func (p Policy) Apply(name string) string {
	if name == "" {
		return p.fallback
	}
	if !p.Restricted() {
		return name
	}
	if !isLocation(name) && p.allowed[strings.TrimSuffix(name, ".pth")] {
		return name
	}
	slog.Warn("super-resolution model not allowed, using fallback", "requested", name, "fallback", p.fallback)
	return p.fallback
}
