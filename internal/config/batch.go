package config

import (
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/x121ai/podbatch/internal/model"
)

// BatchFile is the per-batch configuration document. It names the
// character root, the output directory, the global scene filter, optional
// per-character overrides, and an optional replacement scene catalog.
//
//	batch_path: /data/batch5/characters
//	output_dir: /data/batch5/pod_output
//	scenes: ALL
//	workers: 3
//	characters:
//	  mira_v2: ""                      # all scenes
//	  kasumi:  "walk, dance"           # only these
//	  noor:    "NO turnaround"         # all minus these
type BatchFile struct {
	BatchPath  string              `mapstructure:"batch_path" validate:"required,dir"`
	OutputDir  string              `mapstructure:"output_dir"`
	Scenes     string              `mapstructure:"scenes"`
	PodID      string              `mapstructure:"pod_id"`
	Workers    int                 `mapstructure:"workers" validate:"omitempty,min=1,max=16"`
	Characters map[string]string   `mapstructure:"characters"`
	Catalog    map[string]SceneDef `mapstructure:"catalog" validate:"omitempty,dive"`
}

// SceneDef mirrors the catalog entry shape for config decoding.
type SceneDef struct {
	Seed     string `mapstructure:"seed" validate:"required"`
	Workflow string `mapstructure:"workflow" validate:"required"`
}

// LoadBatchFile reads and validates a batch config file. Validation
// failures are batch-fatal plan-time errors.
func LoadBatchFile(path string, validate *validator.Validate) (*BatchFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("scenes", "ALL")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading batch config %s: %w", path, err)
	}

	var bf BatchFile
	if err := v.Unmarshal(&bf); err != nil {
		return nil, fmt.Errorf("%w: decoding batch config %s: %v", model.ErrValidation, path, err)
	}
	// Relative paths resolve against the config file's directory,
	// before validation so the dir check sees the resolved path.
	base := filepath.Dir(path)
	if bf.BatchPath != "" && !filepath.IsAbs(bf.BatchPath) {
		bf.BatchPath = filepath.Join(base, bf.BatchPath)
	}
	if bf.OutputDir != "" && !filepath.IsAbs(bf.OutputDir) {
		bf.OutputDir = filepath.Join(base, bf.OutputDir)
	}

	if err := validate.Struct(&bf); err != nil {
		return nil, fmt.Errorf("%w: batch config %s: %v", model.ErrValidation, path, err)
	}
	return &bf, nil
}
