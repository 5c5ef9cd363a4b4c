package comfy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/x121ai/podbatch/internal/model"
)

// Graph is a workflow document keyed by node id. Node contents pass
// through untouched except for the targeted seed-image mutation.
type Graph map[string]map[string]interface{}

// imageLoaderTypes are the node types SetInputImage may rewrite.
var imageLoaderTypes = map[string]bool{
	"LoadImage":         true,
	"LoadImageFromPath": true,
}

// LoadGraph reads and parses a workflow document from disk.
func LoadGraph(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing workflow %s: %w", path, err)
	}
	return g, nil
}

// Clone deep-copies the graph so per-job mutation never leaks into the
// shared parsed document.
func (g Graph) Clone() (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph: %w", err)
	}
	var out Graph
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return out, nil
}

// SetInputImage points the graph's single image-loader node at the given
// uploaded image name. The graph must contain exactly one loader node.
func (g Graph) SetInputImage(name string) error {
	var loaders []string
	for id, node := range g {
		classType, _ := node["class_type"].(string)
		if imageLoaderTypes[classType] {
			loaders = append(loaders, id)
		}
	}
	switch len(loaders) {
	case 1:
	case 0:
		return fmt.Errorf("no image loader node (have %v): %w", g.classTypes(), model.ErrGraphShape)
	default:
		sort.Strings(loaders)
		return fmt.Errorf("ambiguous image loader nodes %v: %w", loaders, model.ErrGraphShape)
	}

	node := g[loaders[0]]
	inputs, ok := node["inputs"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("loader node %s has no inputs block: %w", loaders[0], model.ErrGraphShape)
	}
	inputs["image"] = name
	return nil
}

// classTypes returns the distinct node types present, sorted, for error
// reporting when the expected loader is missing.
func (g Graph) classTypes() []string {
	seen := map[string]bool{}
	for _, node := range g {
		if ct, ok := node["class_type"].(string); ok {
			seen[ct] = true
		}
	}
	types := make([]string, 0, len(seen))
	for ct := range seen {
		types = append(types, ct)
	}
	sort.Strings(types)
	return types
}
