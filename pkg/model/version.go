package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a four-part component version: major.minor.service.qualifier.
// The qualifier compares lexicographically; the numeric parts numerically.
type Version struct {
	Major     int    `json:"major" yaml:"major"`
	Minor     int    `json:"minor" yaml:"minor"`
	Service   int    `json:"service" yaml:"service"`
	Qualifier string `json:"qualifier,omitempty" yaml:"qualifier,omitempty"`
}

// ParseVersion parses "1", "1.2", "1.2.3" or "1.2.3.qualifier".
// Missing numeric parts default to zero.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}

	parts := strings.SplitN(s, ".", 4)
	var nums [3]int
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: segment %d is not numeric", s, i+1)
		}
		if n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: negative segment", s)
		}
		nums[i] = n
	}

	v := Version{Major: nums[0], Minor: nums[1], Service: nums[2]}
	if len(parts) == 4 {
		if parts[3] == "" {
			return Version{}, fmt.Errorf("invalid version %q: empty qualifier", s)
		}
		v.Qualifier = parts[3]
	}
	return v, nil
}

// MustParseVersion is like ParseVersion but panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the version in its canonical dotted form.
func (v Version) String() string {
	base := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Service)
	if v.Qualifier != "" {
		return base + "." + v.Qualifier
	}
	return base
}

// IsZero reports whether v is 0.0.0 with no qualifier.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	case v.Service != o.Service:
		return cmpInt(v.Service, o.Service)
	}
	return strings.Compare(v.Qualifier, o.Qualifier)
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// IsPerfect reports whether every part, qualifier included, is equal.
func (v Version) IsPerfect(o Version) bool {
	return v == o
}

// IsEquivalentTo reports whether major and minor are equal and v's service
// (then qualifier) is at least o's.
func (v Version) IsEquivalentTo(o Version) bool {
	if v.Major != o.Major || v.Minor != o.Minor {
		return false
	}
	if v.Service != o.Service {
		return v.Service > o.Service
	}
	return v.Qualifier >= o.Qualifier
}

// IsCompatibleWith reports whether majors are equal and the remaining parts
// of v are lexicographically at least o's.
func (v Version) IsCompatibleWith(o Version) bool {
	if v.Major != o.Major {
		return false
	}
	return v.Compare(o) >= 0
}

// IsGreaterOrEqualTo reports whether v sorts at or after o.
func (v Version) IsGreaterOrEqualTo(o Version) bool {
	return v.Compare(o) >= 0
}

// MatchRule selects how a candidate version satisfies a required version.
type MatchRule string

const (
	// MatchPerfect requires all parts to be equal.
	MatchPerfect MatchRule = "perfect"

	// MatchEquivalent requires equal major and minor, service at least the required one.
	MatchEquivalent MatchRule = "equivalent"

	// MatchCompatible requires equal major, the rest at least the required one.
	MatchCompatible MatchRule = "compatible"

	// MatchGreaterOrEqual requires the candidate to sort at or above the required version.
	MatchGreaterOrEqual MatchRule = "greaterOrEqual"
)

// ParseMatchRule parses a rule name. The empty string yields MatchCompatible.
func ParseMatchRule(s string) (MatchRule, error) {
	switch strings.TrimSpace(s) {
	case "":
		return MatchCompatible, nil
	case string(MatchPerfect):
		return MatchPerfect, nil
	case string(MatchEquivalent):
		return MatchEquivalent, nil
	case string(MatchCompatible):
		return MatchCompatible, nil
	case string(MatchGreaterOrEqual):
		return MatchGreaterOrEqual, nil
	default:
		return "", fmt.Errorf("unknown match rule: %s", s)
	}
}

// Satisfies reports whether candidate satisfies required under rule.
func (r MatchRule) Satisfies(candidate, required Version) bool {
	switch r {
	case MatchPerfect:
		return candidate.IsPerfect(required)
	case MatchEquivalent:
		return candidate.IsEquivalentTo(required)
	case MatchGreaterOrEqual:
		return candidate.IsGreaterOrEqualTo(required)
	default:
		return candidate.IsCompatibleWith(required)
	}
}
