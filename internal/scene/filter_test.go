package scene

import (
	"errors"
	"reflect"
	"testing"

	"github.com/x121ai/podbatch/internal/model"
)

func TestParseFilter_All(t *testing.T) {
	base := []string{"intro", "walk", "dance"}

	for _, spec := range []string{"ALL", "all", " All ", ""} {
		got := ParseFilter(spec).Apply(base)
		if !reflect.DeepEqual(got, base) {
			t.Errorf("spec %q: expected %v, got %v", spec, base, got)
		}
	}
}

func TestParseFilter_InclusionList(t *testing.T) {
	base := []string{"intro", "walk", "dance", "pose"}

	got := ParseFilter("walk, dance").Apply(base)
	want := []string{"walk", "dance"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseFilter_InclusionCaseInsensitive(t *testing.T) {
	base := []string{"intro", "walk"}

	got := ParseFilter("WALK").Apply(base)
	want := []string{"walk"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseFilter_Exclusion(t *testing.T) {
	base := []string{"intro", "walk", "dance", "pose"}

	got := ParseFilter("NO walk, NO pose").Apply(base)
	want := []string{"intro", "dance"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseFilter_MixedIncludeExclude(t *testing.T) {
	base := []string{"intro", "walk", "dance", "pose"}

	// Bare names select, NO-prefixed names subtract from the selection.
	got := ParseFilter("NO walk, pose").Apply(base)
	want := []string{"pose"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseFilter_ExclusionLowercase(t *testing.T) {
	base := []string{"intro", "walk"}

	got := ParseFilter("no walk").Apply(base)
	want := []string{"intro"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestResolveFilter_UnknownSceneFails(t *testing.T) {
	catalog := DefaultCatalog()

	_, err := ResolveFilter("walk, sprint", catalog)
	if err == nil {
		t.Fatal("expected error for unknown scene")
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestResolveFilter_UnknownExclusionFails(t *testing.T) {
	catalog := DefaultCatalog()

	_, err := ResolveFilter("NO sprint", catalog)
	if err == nil {
		t.Fatal("expected error for unknown excluded scene")
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestResolveFilter_PreservesCatalogOrder(t *testing.T) {
	catalog := NewCatalog(map[string]Def{
		"b": {SeedFile: SeedFace, Workflow: "b-api.json"},
		"a": {SeedFile: SeedFace, Workflow: "a-api.json"},
		"c": {SeedFile: SeedBody, Workflow: "c-api.json"},
	})

	got, err := ResolveFilter("ALL", catalog)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
