package tools

import "strings"

// BuiltinAliases maps common spoken or legacy names to canonical tools.
var BuiltinAliases = map[string]string{
	"search":       "web_search",
	"google":       "web_search",
	"lookup":       "web_search",
	"fetch":        "web_fetch",
	"transfer":     "transfer_call",
	"end_call":     "hang_up",
	"end_the_call": "hang_up",
}

// Normalize lower-cases and trims name and turns separators into
// underscores, so "Get-Weather" and "get weather" match "get_weather".
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '.':
			return '_'
		}
		return r
	}, name)
}

// Policy is one assistant's view of the tool set: which tools it may call,
// how names are aliased, and per-tool mode overrides.
type Policy struct {
	enabled map[string]struct{}
	aliases map[string]string
	modes   map[string]Mode
	// AllowAll enables every registered tool.
	AllowAll bool
}

// NewPolicy builds a policy. Names and alias keys are normalized; assistant
// aliases override the built-in table.
func NewPolicy(enabled []string, aliases map[string]string, modes map[string]Mode) *Policy {
	p := &Policy{
		enabled: make(map[string]struct{}, len(enabled)),
		aliases: make(map[string]string, len(BuiltinAliases)+len(aliases)),
		modes:   make(map[string]Mode, len(modes)),
	}
	for k, v := range BuiltinAliases {
		p.aliases[k] = v
	}
	for k, v := range aliases {
		p.aliases[Normalize(k)] = Normalize(v)
	}
	for _, name := range enabled {
		p.enabled[p.Canonical(name)] = struct{}{}
	}
	for name, m := range modes {
		p.modes[p.Canonical(name)] = m
	}
	return p
}

// Canonical normalizes name and resolves one level of alias.
func (p *Policy) Canonical(name string) string {
	n := Normalize(name)
	if p == nil {
		return n
	}
	if target, ok := p.aliases[n]; ok {
		return target
	}
	return n
}

// IsEnabled reports whether the assistant may call name.
func (p *Policy) IsEnabled(name string) bool {
	if p == nil {
		return false
	}
	if p.AllowAll {
		return true
	}
	_, ok := p.enabled[p.Canonical(name)]
	return ok
}

// ModeFor returns the configured override for name, or def.
func (p *Policy) ModeFor(name string, def Mode) Mode {
	if p != nil {
		if m, ok := p.modes[p.Canonical(name)]; ok && m != "" {
			return m
		}
	}
	if def == "" {
		return ModeBlocking
	}
	return def
}
