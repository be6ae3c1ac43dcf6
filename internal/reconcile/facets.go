package reconcile

import (
	"strings"
	"unicode"
)

var DefaultCategories = []string{"policies", "reports", "guidelines", "links", "workplans", "minutes"}

// Facets holds the vocabulary used to derive index facets from a path.
type Facets struct {
	categories map[string]struct{}
	groups     map[string]string
}

// NewFacets builds a facet vocabulary. Group keys are collection names with
// spaces replaced by underscores.
func NewFacets(categories []string, groups map[string]string) *Facets {
	f := &Facets{
		categories: make(map[string]struct{}, len(categories)),
		groups:     make(map[string]string, len(groups)),
	}
	for _, category := range categories {
		category = strings.ToLower(strings.TrimSpace(category))
		if category != "" {
			f.categories[category] = struct{}{}
		}
	}
	for name, acronym := range groups {
		f.groups[groupKey(name)] = strings.TrimSpace(acronym)
	}
	return f
}

type PathFacets struct {
	Category    string
	SubCategory string
	Group       string
}

// Derive computes the facets of a path laid out as
// /<collection>/<published>/<category>/<sub>/.../<file>.
func (f *Facets) Derive(path, collectionName string) PathFacets {
	var out PathFacets
	if f == nil {
		return out
	}
	out.Group = f.groups[groupKey(collectionName)]
	segments := splitPath(path)
	if len(segments) >= 3 {
		candidate := strings.ToLower(segments[2])
		if _, ok := f.categories[candidate]; ok {
			out.Category = candidate
		}
	}
	if len(segments) >= 5 {
		out.SubCategory = normalizeSubCategory(segments[3])
	}
	return out
}

func groupKey(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

func normalizeSubCategory(segment string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(segment) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
