package scene

import (
	"fmt"
	"strings"

	"github.com/x121ai/podbatch/internal/model"
)

// Filter is a parsed scene selection: an explicit inclusion list and an
// exclusion list. An empty Includes means "start from the full catalog".
type Filter struct {
	Includes []string
	Excludes []string
}

// ParseFilter parses a scene spec string into a Filter. Scene names are
// case-insensitive.
//
//	"ALL"                 -> {}            all scenes
//	"walk, dance"         -> {Includes: [walk dance]}
//	"NO walk, NO dance"   -> {Excludes: [walk dance]}  catalog minus these
//	"walk, NO dance"      -> both lists; includes first, then subtraction
func ParseFilter(spec string) Filter {
	var f Filter
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" || strings.EqualFold(item, "ALL") {
			continue
		}
		if upper := strings.ToUpper(item); strings.HasPrefix(upper, "NO ") {
			f.Excludes = append(f.Excludes, strings.ToLower(strings.TrimSpace(item[3:])))
		} else {
			f.Includes = append(f.Includes, strings.ToLower(item))
		}
	}
	return f
}

// Apply resolves the filter against a base scene list: the explicit
// inclusion list when present, otherwise the base, minus all exclusions.
// Order follows the inclusion list (or the base list) as given.
func (f Filter) Apply(base []string) []string {
	scenes := make([]string, 0, len(base))
	if len(f.Includes) > 0 {
		scenes = append(scenes, f.Includes...)
	} else {
		scenes = append(scenes, base...)
	}
	for _, ex := range f.Excludes {
		for i, s := range scenes {
			if s == ex {
				scenes = append(scenes[:i], scenes[i+1:]...)
				break
			}
		}
	}
	return scenes
}

// ResolveFilter parses spec, applies it to the full catalog, and validates
// every named scene against the catalog. Unknown scene names fail with a
// validation error naming the catalog contents.
func ResolveFilter(spec string, catalog *Catalog) ([]string, error) {
	f := ParseFilter(spec)
	for _, name := range append(append([]string{}, f.Includes...), f.Excludes...) {
		if !catalog.Has(name) {
			return nil, fmt.Errorf("%w: unknown scene %q, valid scenes: %s",
				model.ErrValidation, name, strings.Join(catalog.Names(), ", "))
		}
	}
	return f.Apply(catalog.Names()), nil
}
