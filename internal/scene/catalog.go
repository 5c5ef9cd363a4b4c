// Package scene derives the batch job list: it holds the scene catalog,
// parses scene filters, discovers character folders, and expands
// characters x scenes into concrete jobs.
package scene

import "sort"

// Def maps one scene to the seed asset it consumes and the workflow that
// renders it.
type Def struct {
	SeedFile string `json:"seed" mapstructure:"seed"`
	Workflow string `json:"workflow" mapstructure:"workflow"`
}

// Catalog is the ordered scene directory for a batch. Order is stable so
// previews and partitions are deterministic run to run.
type Catalog struct {
	defs  map[string]Def
	names []string
}

// Seed asset filenames recognized inside a character folder.
const (
	SeedFace = "face.png"
	SeedBody = "body.png"
)

// DefaultDefs is the built-in scene catalog. A batch config may replace it
// entirely with its own scenes section.
var DefaultDefs = map[string]Def{
	"intro":      {SeedFile: SeedFace, Workflow: "intro-api.json"},
	"closeup":    {SeedFile: SeedFace, Workflow: "closeup-api.json"},
	"wave":       {SeedFile: SeedFace, Workflow: "wave-api.json"},
	"idle":       {SeedFile: SeedFace, Workflow: "idle-api.json"},
	"walk":       {SeedFile: SeedBody, Workflow: "walk-api.json"},
	"turnaround": {SeedFile: SeedBody, Workflow: "turnaround-api.json"},
	"dance":      {SeedFile: SeedBody, Workflow: "dance-api.json"},
	"pose":       {SeedFile: SeedBody, Workflow: "pose-api.json"},
}

// NewCatalog builds a catalog from a scene->Def map. Names are ordered
// lexically.
func NewCatalog(defs map[string]Def) *Catalog {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Catalog{defs: defs, names: names}
}

// DefaultCatalog returns a catalog over DefaultDefs.
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultDefs)
}

// Names returns all scene names in stable order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Lookup returns the definition for a scene name.
func (c *Catalog) Lookup(name string) (Def, bool) {
	def, ok := c.defs[name]
	return def, ok
}

// Has reports whether the catalog knows the scene.
func (c *Catalog) Has(name string) bool {
	_, ok := c.defs[name]
	return ok
}
