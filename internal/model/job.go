package model

import (
	"path/filepath"
	"strings"
)

// Job is one unit of generation work: a character/scene pair bound to a
// workflow and a seed image. Jobs are built once at plan time and never
// mutated afterwards.
type Job struct {
	Character string `json:"character" validate:"required"`
	Scene     string `json:"scene,omitempty"`
	Workflow  string `json:"workflow" validate:"required"`
	SeedPath  string `json:"seed" validate:"required"`
	DestDir   string `json:"destDir" validate:"required"`
	DestName  string `json:"destName,omitempty"`
}

// Identity returns the stable ledger key for the job:
// "character/scene", or "character/<workflow stem>" when the job carries
// no scene (explicit batch-file jobs). Identities must be unique across a
// batch; a collision is a configuration error.
func (j Job) Identity() string {
	scene := j.Scene
	if scene == "" {
		scene = WorkflowStem(j.Workflow)
	}
	return j.Character + "/" + scene
}

// DestFile returns the artifact path the job writes on success. The
// extension is decided at download time from the remote filename.
func (j Job) DestFile(ext string) string {
	name := j.DestName
	if name == "" {
		name = j.Character + "_" + WorkflowStem(j.Workflow)
	}
	return filepath.Join(j.DestDir, name+ext)
}

// WorkflowStem reduces a workflow filename to its short name:
// "wave-api.json" -> "wave".
func WorkflowStem(workflow string) string {
	stem := strings.TrimSuffix(filepath.Base(workflow), filepath.Ext(workflow))
	return strings.TrimSuffix(stem, "-api")
}

// JobResult describes one artifact saved for a job, listed in the batch
// manifest.
type JobResult struct {
	Character string `json:"character"`
	Scene     string `json:"scene"`
	File      string `json:"file"`
}
