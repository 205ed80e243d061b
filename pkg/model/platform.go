package model

import "strings"

// Environment is the runtime platform a configuration is evaluated against.
type Environment struct {
	OS   string `json:"os" yaml:"os"`
	WS   string `json:"ws" yaml:"ws"`
	Arch string `json:"arch" yaml:"arch"`
	NL   string `json:"nl" yaml:"nl"`
}

// PlatformFilters restrict an entry to matching environments. Each field is a
// comma-separated list of accepted values; empty or "*" accepts anything.
type PlatformFilters struct {
	OS   string `json:"os,omitempty" yaml:"os,omitempty"`
	WS   string `json:"ws,omitempty" yaml:"ws,omitempty"`
	Arch string `json:"arch,omitempty" yaml:"arch,omitempty"`
	NL   string `json:"nl,omitempty" yaml:"nl,omitempty"`
}

// Accepts reports whether env passes every filter.
func (f PlatformFilters) Accepts(env Environment) bool {
	return matchFilter(f.OS, env.OS) &&
		matchFilter(f.WS, env.WS) &&
		matchFilter(f.Arch, env.Arch) &&
		matchFilter(f.NL, env.NL)
}

// IsZero reports whether no filter is set.
func (f PlatformFilters) IsZero() bool {
	return f == PlatformFilters{}
}

func matchFilter(filter, value string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" || filter == "*" {
		return true
	}
	for _, tok := range strings.Split(filter, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "*" || strings.EqualFold(tok, value) {
			return true
		}
	}
	return false
}
