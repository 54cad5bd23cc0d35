// Package policy decides whether a job category is admissible under a
// compliance mode. The prohibited set is configuration, not logic.
package policy

import "strings"

// DefaultProhibited is the built-in shariah-compliance category set used
// when the configuration does not override it.
var DefaultProhibited = []string{
	"riba",
	"interest",
	"gambling",
	"adult",
	"alcohol",
	"pork",
	"weapons",
	"drugs",
}

type Gate struct {
	prohibited map[string]struct{}
}

// New builds a gate over the given prohibited categories. Entries are
// normalized the same way lookups are.
func New(prohibited []string) Gate {
	set := make(map[string]struct{}, len(prohibited))
	for _, c := range prohibited {
		set[normalize(c)] = struct{}{}
	}
	return Gate{prohibited: set}
}

// IsCategoryAllowed reports whether category may be used for a new job.
// With compliance off every category passes. Pure, no I/O.
func (g Gate) IsCategoryAllowed(category string, complianceMode bool) bool {
	if !complianceMode {
		return true
	}
	_, hit := g.prohibited[normalize(category)]
	return !hit
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
