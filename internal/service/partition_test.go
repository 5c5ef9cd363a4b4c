package service

import (
	"testing"

	"github.com/x121ai/podbatch/internal/model"
)

func jobFor(character, scene string) model.Job {
	return model.Job{
		Character: character,
		Scene:     scene,
		Workflow:  scene + "-api.json",
		SeedPath:  "/data/" + character + "/face.png",
		DestDir:   "/out/" + character,
	}
}

func TestPartition_CharacterLocality(t *testing.T) {
	jobs := []model.Job{
		jobFor("alice", "walk"), jobFor("alice", "dance"),
		jobFor("bob", "walk"), jobFor("bob", "dance"),
		jobFor("carol", "walk"),
	}

	parts := Partition(jobs, 2)
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}

	// Every character's jobs must land in exactly one partition.
	owner := make(map[string]int)
	for i, part := range parts {
		for _, job := range part {
			if prev, ok := owner[job.Character]; ok && prev != i {
				t.Errorf("character %s split across partitions %d and %d", job.Character, prev, i)
			}
			owner[job.Character] = i
		}
	}

	// Round-robin in discovery order: alice+carol on 0, bob on 1.
	if owner["alice"] != 0 || owner["bob"] != 1 || owner["carol"] != 0 {
		t.Errorf("unexpected assignment: %v", owner)
	}
}

func TestPartition_EveryJobAssignedOnce(t *testing.T) {
	jobs := []model.Job{
		jobFor("alice", "walk"), jobFor("bob", "walk"),
		jobFor("carol", "walk"), jobFor("dina", "walk"),
	}

	parts := Partition(jobs, 3)
	seen := make(map[string]bool)
	total := 0
	for _, part := range parts {
		for _, job := range part {
			if seen[job.Identity()] {
				t.Errorf("job %s assigned twice", job.Identity())
			}
			seen[job.Identity()] = true
			total++
		}
	}
	if total != len(jobs) {
		t.Errorf("expected %d jobs assigned, got %d", len(jobs), total)
	}
}

func TestPartition_DropsEmptyPartitions(t *testing.T) {
	jobs := []model.Job{jobFor("alice", "walk"), jobFor("alice", "dance")}

	parts := Partition(jobs, 4)
	if len(parts) != 1 {
		t.Fatalf("one character cannot fill 4 workers, expected 1 partition, got %d", len(parts))
	}
	if len(parts[0]) != 2 {
		t.Errorf("expected both jobs in the single partition, got %d", len(parts[0]))
	}
}

func TestPartition_ZeroWorkersClampedToOne(t *testing.T) {
	jobs := []model.Job{jobFor("alice", "walk")}

	parts := Partition(jobs, 0)
	if len(parts) != 1 || len(parts[0]) != 1 {
		t.Errorf("expected single partition with the job, got %v", parts)
	}
}
