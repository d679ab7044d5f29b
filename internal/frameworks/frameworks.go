// Package frameworks holds the catalog of supported compliance frameworks and
// the data source profiles used to extract evidence for them.
package frameworks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// Requirement is one assessable control of a framework.
type Requirement struct {
	Code        string `json:"code"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Text renders the requirement the way regulation text is indexed.
func (r Requirement) Text() string {
	return fmt.Sprintf("## %s %s\n\n%s", r.Code, r.Title, r.Description)
}

// Framework is a compliance framework and its requirement catalog.
type Framework struct {
	Name         string        `json:"name"`
	Title        string        `json:"title"`
	Requirements []Requirement `json:"requirements"`
	// RequiredCategories lists groups of source categories. Each group must be
	// covered by at least one active source of any category in the group.
	RequiredCategories [][]schemas.SourceCategory `json:"required_categories"`
}

// Requirement looks up a requirement by code, case-insensitively.
func (f *Framework) Requirement(code string) (Requirement, bool) {
	for _, r := range f.Requirements {
		if strings.EqualFold(r.Code, code) {
			return r, true
		}
	}
	return Requirement{}, false
}

// Categories returns the distinct requirement categories in catalog order.
func (f *Framework) Categories() []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range f.Requirements {
		if !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	return out
}

// InScope returns the requirements named by codes, in catalog order. Unknown
// codes are ignored; an empty or fully unknown list selects everything.
func (f *Framework) InScope(codes []string) []Requirement {
	if len(codes) == 0 {
		return append([]Requirement(nil), f.Requirements...)
	}
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		want[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	var out []Requirement
	for _, r := range f.Requirements {
		if want[strings.ToUpper(r.Code)] {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return append([]Requirement(nil), f.Requirements...)
	}
	return out
}

// MissingCategories returns the required groups not covered by active.
func (f *Framework) MissingCategories(active []schemas.SourceCategory) [][]schemas.SourceCategory {
	have := make(map[schemas.SourceCategory]bool, len(active))
	for _, c := range active {
		have[c] = true
	}
	var missing [][]schemas.SourceCategory
	for _, group := range f.RequiredCategories {
		covered := false
		for _, c := range group {
			if have[c] {
				covered = true
				break
			}
		}
		if !covered {
			missing = append(missing, group)
		}
	}
	return missing
}

var catalog = map[string]*Framework{}

func register(f *Framework) {
	catalog[strings.ToUpper(f.Name)] = f
}

// Get returns the framework with the given name, case-insensitively.
func Get(name string) (*Framework, bool) {
	f, ok := catalog[strings.ToUpper(strings.TrimSpace(name))]
	return f, ok
}

// Names returns the supported framework names, sorted.
func Names() []string {
	out := make([]string, 0, len(catalog))
	for _, f := range catalog {
		out = append(out, f.Name)
	}
	sort.Strings(out)
	return out
}
