package scene

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/x121ai/podbatch/internal/model"
)

// Character is one discovered character folder and the seed assets it
// carries.
type Character struct {
	Name    string
	Dir     string
	HasFace bool
	HasBody bool
}

// Seeds lists the seed kinds present, for plan previews.
func (c Character) Seeds() []string {
	var seeds []string
	if c.HasFace {
		seeds = append(seeds, "face")
	}
	if c.HasBody {
		seeds = append(seeds, "body")
	}
	return seeds
}

// DiscoverCharacters scans root for character folders holding at least one
// recognized seed asset. The result is ordered by folder name. A root with
// no qualifying folders is a not-found error: there is nothing to batch.
func DiscoverCharacters(root string) ([]Character, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading batch directory %s: %w", root, err)
	}

	var characters []Character
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		c := Character{
			Name:    entry.Name(),
			Dir:     dir,
			HasFace: fileExists(filepath.Join(dir, SeedFace)),
			HasBody: fileExists(filepath.Join(dir, SeedBody)),
		}
		if c.HasFace || c.HasBody {
			characters = append(characters, c)
		}
	}
	if len(characters) == 0 {
		return nil, fmt.Errorf("%w: no character folders with %s or %s under %s",
			model.ErrNotFound, SeedFace, SeedBody, root)
	}
	return characters, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
