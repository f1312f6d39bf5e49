package environment

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Assembler derives filesystem search paths from a checked-out working tree
// and an (application, profiles, label) triple. Patterns are directory
// templates relative to the working tree; "{application}", "{profile}", and
// "{label}" placeholders are substituted and doublestar globs expanded.
type Assembler struct {
	patterns []string
}

// NewAssembler creates an Assembler with the given search-path patterns.
// With no patterns only the working tree root is searched.
func NewAssembler(patterns []string) *Assembler {
	return &Assembler{patterns: patterns}
}

// SearchLocations returns existing directories in priority order, most
// specific first: profile-and-application-specific paths, then
// application-specific, then profile-specific, then the plain pattern, and
// the working tree root last.
func (a *Assembler) SearchLocations(workingDir, application string, profiles []string, label string) []string {
	// Most specific patterns first; configured order breaks ties.
	rank := func(p string) int {
		r := 3
		if strings.Contains(p, "{application}") {
			r -= 2
		}
		if strings.Contains(p, "{profile}") {
			r--
		}
		return r
	}
	patterns := append([]string(nil), a.patterns...)
	sort.SliceStable(patterns, func(i, j int) bool { return rank(patterns[i]) < rank(patterns[j]) })

	var candidates []string
	for _, pattern := range patterns {
		candidates = append(candidates, a.expand(pattern, application, profiles, label)...)
	}
	candidates = append(candidates, workingDir)

	seen := map[string]struct{}{}
	var out []string
	for _, candidate := range candidates {
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(workingDir, candidate)
		}
		for _, dir := range globDirs(candidate) {
			if _, dup := seen[dir]; dup {
				continue
			}
			seen[dir] = struct{}{}
			out = append(out, dir)
		}
	}
	return out
}

// expand substitutes placeholders in one pattern, most specific
// combination first. Profiles are walked in reverse so that later (higher
// priority) profiles come out first.
func (a *Assembler) expand(pattern, application string, profiles []string, label string) []string {
	var out []string
	hasProfile := strings.Contains(pattern, "{profile}")

	if hasProfile {
		for i := len(profiles) - 1; i >= 0; i-- {
			out = append(out, substitute(pattern, application, profiles[i], label))
		}
		return out
	}
	return append(out, substitute(pattern, application, "", label))
}

func substitute(pattern, application, profile, label string) string {
	return strings.NewReplacer(
		"{application}", application,
		"{profile}", profile,
		"{label}", label,
	).Replace(pattern)
}

// globDirs resolves a candidate to existing directories. Non-glob
// candidates stat directly; glob candidates expand with doublestar.
func globDirs(candidate string) []string {
	if !strings.ContainsAny(candidate, "*?[{") {
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return []string{candidate}
		}
		return nil
	}

	matches, err := doublestar.FilepathGlob(candidate)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			dirs = append(dirs, m)
		}
	}
	return dirs
}
