package rules

import (
	"fmt"
	"regexp"
)

// Profile enforces the deterministic expression profile: rule predicates and
// transforms may not call functions whose results vary between evaluations,
// so identical (span, snapshot, context) inputs always produce identical
// verdicts.
type Profile struct {
	banned map[string]bool
}

// NewProfile returns the default profile.
func NewProfile() *Profile {
	return &Profile{
		banned: map[string]bool{
			"now":               true,
			"random":            true,
			"uuid":              true,
			"getDate":           true,
			"getDayOfMonth":     true,
			"getDayOfWeek":      true,
			"getDayOfYear":      true,
			"getFullYear":       true,
			"getHours":          true,
			"getMilliseconds":   true,
			"getMinutes":        true,
			"getMonth":          true,
			"getSeconds":        true,
			"getTimezoneOffset": true,
		},
	}
}

// Issue describes a profile violation.
type Issue struct {
	Name    string
	Message string
}

// Check scans an expression for banned function calls.
func (p *Profile) Check(expr string) []Issue {
	var issues []Issue
	for fn, banned := range p.banned {
		if banned && callsFunction(expr, fn) {
			issues = append(issues, Issue{
				Name:    fn,
				Message: fmt.Sprintf("function %q is nondeterministic", fn),
			})
		}
	}
	return issues
}

func callsFunction(expr, funcName string) bool {
	pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(funcName) + `\s*\(`)
	return pattern.MatchString(expr)
}
