package scene

import (
	"fmt"
	"path/filepath"

	"github.com/x121ai/podbatch/internal/model"
)

// BuildJobs expands characters x scenes into the batch job list.
// defaultScenes applies to every character unless overrides carries a
// per-character scene spec. A character missing the seed asset a scene
// needs produces a warning, not a failure: one absent file must never
// abort the batch. A duplicate job identity is a configuration error.
func BuildJobs(characters []Character, defaultScenes []string, outputDir string,
	catalog *Catalog, overrides map[string]string) ([]model.Job, []string, error) {

	var jobs []model.Job
	var warnings []string
	seen := make(map[string]bool)

	for _, char := range characters {
		charScenes := defaultScenes
		if spec, ok := overrides[char.Name]; ok && spec != "" {
			charScenes = ParseFilter(spec).Apply(defaultScenes)
		}

		for _, name := range charScenes {
			def, ok := catalog.Lookup(name)
			if !ok {
				return nil, nil, fmt.Errorf("%w: scene %q not in catalog", model.ErrValidation, name)
			}

			seedPath := filepath.Join(char.Dir, def.SeedFile)
			if !fileExists(seedPath) {
				warnings = append(warnings, fmt.Sprintf("%s/%s: missing %s", char.Name, name, def.SeedFile))
				continue
			}

			job := model.Job{
				Character: char.Name,
				Scene:     name,
				Workflow:  def.Workflow,
				SeedPath:  seedPath,
				DestDir:   filepath.Join(outputDir, char.Name),
				DestName:  name,
			}
			if seen[job.Identity()] {
				return nil, nil, fmt.Errorf("%w: duplicate job identity %s", model.ErrValidation, job.Identity())
			}
			seen[job.Identity()] = true
			jobs = append(jobs, job)
		}
	}
	return jobs, warnings, nil
}
