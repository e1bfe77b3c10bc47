package study

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func resolveFixture(t *testing.T) *StudyTree {
	t.Helper()
	tree, err := NewResolver(twoSeriesGateway()).Resolve(context.Background(), "S1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return tree
}

func TestBuildImageIDsScrollOrder(t *testing.T) {
	tree := resolveFixture(t)

	refs, err := BuildImageIDs(tree, "A", "http://archive:8042/")
	if err != nil {
		t.Fatalf("BuildImageIDs failed: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 references, got %d", len(refs))
	}
	want := []string{
		"wadors:http://archive:8042/dicom-web/studies/S1/series/A/instances/sop.a0",
		"wadors:http://archive:8042/dicom-web/studies/S1/series/A/instances/sop.a1",
		"wadors:http://archive:8042/dicom-web/studies/S1/series/A/instances/sop.a2",
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], refs[i])
		}
	}

	single, err := BuildImageIDs(tree, "B", "http://archive:8042")
	if err != nil {
		t.Fatalf("BuildImageIDs for B failed: %v", err)
	}
	if len(single) != 1 {
		t.Errorf("expected 1 reference for series B, got %d", len(single))
	}
}

func TestBuildImageIDsDeterministic(t *testing.T) {
	tree := resolveFixture(t)

	first, err := BuildImageIDs(tree, "A", "http://archive:8042")
	if err != nil {
		t.Fatalf("first build failed: %v", err)
	}
	second, err := BuildImageIDs(tree, "A", "http://archive:8042")
	if err != nil {
		t.Fatalf("second build failed: %v", err)
	}
	if strings.Join(first, "\n") != strings.Join(second, "\n") {
		t.Error("repeated builds with identical inputs must yield identical sequences")
	}
}

func TestBuildImageIDsUnknownSeries(t *testing.T) {
	tree := resolveFixture(t)
	_, err := BuildImageIDs(tree, "C", "http://archive:8042")
	if !errors.Is(err, ErrSeriesNotFound) {
		t.Errorf("expected ErrSeriesNotFound, got %v", err)
	}
}
