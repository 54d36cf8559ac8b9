package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carsync/internal/mapping"
	"carsync/internal/storage"
)

// Logger is the minimal logging interface used by the sync engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Runner wires the engine together and exposes the operations the scheduler
// calls: schema setup, the reference stage, and RunSync per feed.
//
// Concurrency: one Runner may serve several staging tables, but the caller
// must not overlap two runs on the same staging table. The engine does no
// distributed locking; independent tables are independent watermarks.
type Runner struct {
	Repo   storage.Repository
	Maps   mapping.Set
	Logger Logger

	resolver *Resolver
	plans    map[string]Plan
}

// NewRunner builds a Runner with the shipped feed plans registered.
func NewRunner(repo storage.Repository, maps mapping.Set, logger Logger) *Runner {
	r := &Runner{
		Repo:     repo,
		Maps:     maps,
		Logger:   logger,
		resolver: NewResolver(repo, maps),
		plans:    make(map[string]Plan),
	}
	r.RegisterPlan(WillhabenPlan())
	r.RegisterPlan(GebrauchtwagenPlan())
	return r
}

// RegisterPlan adds a sync plan, keyed by its staging table.
//
// Panics:
//   - If the plan is invalid.
//   - If a plan for the staging table is already registered.
func (r *Runner) RegisterPlan(p Plan) {
	if err := validatePlan(p); err != nil {
		panic(fmt.Sprintf("warehouse: RegisterPlan: %v", err))
	}
	if _, exists := r.plans[p.Staging]; exists {
		panic(fmt.Sprintf("warehouse: plan already registered for %s", p.Staging))
	}
	r.plans[p.Staging] = p
}

func (r *Runner) logf(format string, v ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, v...)
	}
}

// EnsureSchema creates the warehouse tables (and staging tables) when
// missing. Idempotent; runs at every startup.
func (r *Runner) EnsureSchema(ctx context.Context) error {
	tables := append(StagingTables(), Tables()...)
	if err := r.Repo.EnsureTables(ctx, tables); err != nil {
		return fmt.Errorf("warehouse: ensure schema: %w", err)
	}
	return nil
}

// SyncReference runs the reference stage: seed the closed dimensions from
// the mapping vocabulary, then move the data-driven reference tables from
// staging. Runs before any fact sync so lookup-only resolution can succeed.
func (r *Runner) SyncReference(ctx context.Context) error {
	mover := &ReferenceMover{
		Repo:   r.Repo,
		Maps:   r.Maps,
		Log:    NewSyncLog(r.Repo),
		Logger: r.Logger,
	}

	for _, seed := range SeedTargets() {
		t, ok := r.Maps.Table(seed.Domain)
		if !ok {
			r.logf("stage=seed table=%s domain=%s has no mapping table, skipping", seed.Table, seed.Domain)
			continue
		}
		if _, err := mover.Seed(ctx, seed.Table, seed.KeyColumn, t.Canonicals()); err != nil {
			return err
		}
	}

	for _, job := range ReferenceJobs() {
		if _, err := mover.Sync(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// RunSync is the caller-facing synchronization operation: load the delta of
// one staging table into the fact table. This is the sole entry point the
// scheduler depends on.
//
// Errors:
//   - Unknown staging table, or factTable not matching the registered plan.
//   - Systemic failures per the FactSynchronizer contract. Per-row problems
//     are never errors; they come back in the Result counts.
func (r *Runner) RunSync(ctx context.Context, stagingTable, factTable string, sourceID int, deleteAfter bool) (Result, error) {
	plan, ok := r.plans[stagingTable]
	if !ok {
		return Result{}, fmt.Errorf("warehouse: no sync plan for staging table %s", stagingTable)
	}
	if factTable != "" && factTable != plan.Fact {
		return Result{}, fmt.Errorf("warehouse: plan for %s targets %s, not %s", stagingTable, plan.Fact, factTable)
	}

	runID := uuid.NewString()
	start := time.Now()
	r.logf("stage=run_sync run=%s table=%s source_id=%d delete_after=%t", runID, stagingTable, sourceID, deleteAfter)

	s := &FactSynchronizer{
		Repo:     r.Repo,
		Resolver: r.resolver,
		Log:      NewSyncLog(r.Repo),
		Logger:   r.Logger,
	}
	res, err := s.Sync(ctx, plan, sourceID, deleteAfter)
	if err != nil {
		r.logf("stage=run_sync run=%s table=%s error=%v", runID, stagingTable, err)
		return res, err
	}

	for _, o := range res.Outcomes {
		switch o.Status {
		case RowSkipped:
			r.logf("stage=run_sync run=%s table=%s id=%s skipped reason=%q", runID, stagingTable, o.ExternalID, o.Reason)
		case RowFailed:
			r.logf("stage=run_sync run=%s table=%s id=%s failed error=%v", runID, stagingTable, o.ExternalID, o.Err)
		}
	}
	r.logf("stage=run_sync run=%s table=%s succeeded=%d skipped=%d failed=%d duration=%s",
		runID, stagingTable, res.Succeeded, res.Skipped, res.Failed, time.Since(start).Truncate(time.Millisecond))
	return res, nil
}
