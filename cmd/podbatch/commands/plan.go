package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/x121ai/podbatch/internal/scene"
	"github.com/x121ai/podbatch/internal/service"
)

// PlanAction previews a batch: the resolved job list per character, what
// would be skipped on resume, and a time estimate when prior runs left
// duration samples behind.
func PlanAction(ctx context.Context, cmd *cli.Command) error {
	cfg, bf, log, err := setup(cmd)
	if err != nil {
		return err
	}

	svc := service.NewBatchService(cfg, nil, nil, log)
	plan, err := svc.BuildPlan(bf)
	if err != nil {
		return err
	}
	printPlanWarnings(plan)

	scenesByCharacter := make(map[string][]string)
	for _, job := range plan.Jobs {
		scenesByCharacter[job.Character] = append(scenesByCharacter[job.Character], job.Scene)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Character", "Seeds", "Jobs", "Scenes")
	for _, char := range plan.Characters {
		scenes := scenesByCharacter[char.Name]
		table.Append(
			char.Name,
			strings.Join(char.Seeds(), ", "),
			fmt.Sprintf("%d", len(scenes)),
			strings.Join(scenes, ", "),
		)
	}
	table.Render()

	fmt.Printf("\n%d job(s) across %d character(s), %d worker(s), output %s\n",
		len(plan.Jobs), len(plan.Characters), plan.Workers, plan.OutputDir)

	for i, part := range service.Partition(plan.Jobs, plan.Workers) {
		chars := make([]string, 0, len(part))
		seen := make(map[string]bool)
		for _, job := range part {
			if !seen[job.Character] {
				seen[job.Character] = true
				chars = append(chars, job.Character)
			}
		}
		fmt.Printf("worker %d: %d job(s) (%s)\n", i+1, len(part), strings.Join(chars, ", "))
	}

	est := svc.Estimate(plan)
	if est.Completed > 0 {
		fmt.Printf("resume: %d already completed, %d remaining\n", est.Completed, est.Remaining)
	}
	if est.HasDuration {
		fmt.Printf("estimated time remaining: %s (mean %s/job)\n",
			est.ETA.Round(time.Minute), est.MeanPerJob.Round(time.Second))
	}
	return nil
}

// ScenesAction lists the default scene catalog.
func ScenesAction(ctx context.Context, cmd *cli.Command) error {
	catalog := scene.DefaultCatalog()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Scene", "Seed", "Workflow")
	for _, name := range catalog.Names() {
		def, _ := catalog.Lookup(name)
		table.Append(name, def.SeedFile, def.Workflow)
	}
	table.Render()
	return nil
}
