package omnix

import "sort"

// officialCategories is the fixed set of category strings the external
// classifier emits. Rules outside this set cannot be served by the category
// layer and are demoted to the contextual layer at synthesis time.
var officialCategories = map[string]struct{}{
	"hate":                   {},
	"hate/threatening":       {},
	"harassment":             {},
	"harassment/threatening": {},
	"self-harm":              {},
	"self-harm/intent":       {},
	"self-harm/instructions": {},
	"sexual":                 {},
	"sexual/minors":          {},
	"violence":               {},
	"violence/graphic":       {},
	"illicit":                {},
	"illicit/violent":        {},
}

// IsOfficialCategory reports whether category belongs to the classifier's
// fixed catalog. Comparison is case-insensitive.
func IsOfficialCategory(category string) bool {
	_, ok := officialCategories[lower(category)]
	return ok
}

// OfficialCategories returns the catalog sorted, for stable enumeration in
// prompts and validation messages.
func OfficialCategories() []string {
	out := make([]string, 0, len(officialCategories))
	for c := range officialCategories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
