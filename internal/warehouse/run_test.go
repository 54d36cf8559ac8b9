package warehouse

import (
	"context"
	"strings"
	"testing"

	"carsync/internal/mapping"
)

func TestRunner_RunSyncEndToEnd(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	logger := &recordingLogger{}
	r := NewRunner(repo, mapping.Default(), logger)
	ctx := context.Background()

	if err := r.SyncReference(ctx); err != nil {
		t.Fatalf("reference stage: %v", err)
	}
	// The closed dimensions are now seeded from the vocabulary.
	if got := len(repo.rows(TableDimFuel)); got == 0 {
		t.Fatalf("fuel dimension not seeded")
	}

	seedWillhaben(repo, "A1", testBase, nil)
	res, err := r.RunSync(ctx, TableStagingWillhaben, TableFactListing, SourceWillhaben, false)
	if err != nil {
		t.Fatalf("run_sync: %v", err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("unexpected counts: %+v", res)
	}

	summary := false
	for _, line := range logger.all() {
		if strings.Contains(line, "stage=run_sync") && strings.Contains(line, "succeeded=1") {
			summary = true
		}
	}
	if !summary {
		t.Fatalf("expected a run summary log line, got %v", logger.all())
	}
}

func TestRunner_RunSyncSkipReasonIsVisible(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	seedClosedDims(repo)
	seedWillhaben(repo, "A2", testBase, map[string]any{"car_type": "unknown_type_label"})

	logger := &recordingLogger{}
	r := NewRunner(repo, mapping.Default(), logger)

	res, err := r.RunSync(context.Background(), TableStagingWillhaben, "", SourceWillhaben, false)
	if err != nil {
		t.Fatalf("run_sync: %v", err)
	}
	if res.Skipped != 1 {
		t.Fatalf("unexpected counts: %+v", res)
	}

	reasonLogged := false
	for _, line := range logger.all() {
		if strings.Contains(line, "id=A2") && strings.Contains(line, "unknown_type_label") {
			reasonLogged = true
		}
	}
	if !reasonLogged {
		t.Fatalf("per-row skip reason must be observable, lines=%v", logger.all())
	}
}

func TestRunner_RejectsUnknownStagingTable(t *testing.T) {
	t.Parallel()

	r := NewRunner(newFakeRepo(), mapping.Default(), nil)
	if _, err := r.RunSync(context.Background(), "stg_unknown", "", 9, false); err == nil {
		t.Fatalf("expected error for unregistered staging table")
	}
}

func TestRunner_RejectsMismatchedFactTable(t *testing.T) {
	t.Parallel()

	r := NewRunner(newFakeRepo(), mapping.Default(), nil)
	_, err := r.RunSync(context.Background(), TableStagingWillhaben, "fact_other", SourceWillhaben, false)
	if err == nil || !strings.Contains(err.Error(), "fact_other") {
		t.Fatalf("expected mismatch error, got %v", err)
	}
}

func TestRunner_RegisterPlanPanics(t *testing.T) {
	t.Parallel()

	r := NewRunner(newFakeRepo(), mapping.Default(), nil)

	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		fn()
	}

	mustPanic("duplicate", func() { r.RegisterPlan(WillhabenPlan()) })
	mustPanic("invalid", func() { r.RegisterPlan(Plan{Staging: "x", Fact: "y"}) })
}

func TestDefaultPlansAreValid(t *testing.T) {
	t.Parallel()

	for _, p := range []Plan{WillhabenPlan(), GebrauchtwagenPlan()} {
		if err := validatePlan(p); err != nil {
			t.Fatalf("%s: %v", p.Staging, err)
		}
	}
}

func TestTables_CoverTheStarSchema(t *testing.T) {
	t.Parallel()

	byName := map[string]bool{}
	for _, spec := range Tables() {
		byName[spec.Name] = true
	}
	for _, want := range []string{
		DefaultSyncLogTable, TableFactListing,
		TableDimMake, TableDimModel, TableDimFuel, TableDimCarType,
		TableDimColor, TableDimCondition, TableDimEquipment,
		TableListingLocation, TableListingDescription,
		TableListingSpecification, TableListingImage, TableListingSEO,
	} {
		if !byName[want] {
			t.Fatalf("schema is missing %s", want)
		}
	}

	for _, spec := range StagingTables() {
		if len(spec.Uniques) == 0 {
			t.Fatalf("staging table %s needs its reload dedupe constraint", spec.Name)
		}
	}
}
