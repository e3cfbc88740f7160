// Package migration watches hive population against the capacity threshold
// and redistributes agents across dormant sibling hives in batches.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hexhive.ai/internal/hive"
	"hexhive.ai/internal/lattice"
	"hexhive.ai/internal/ledger"
)

// Store is the slice of the chamber store the coordinator needs.
type Store interface {
	HiveByID(ctx context.Context, hiveID int64) (hive.Hive, error)
	ActiveHives(ctx context.Context) ([]hive.Hive, error)
	DormantHives(ctx context.Context) ([]hive.Hive, error)
	SetHiveStatus(ctx context.Context, hiveID int64, status hive.HiveStatus) error
	SetHivePopulation(ctx context.Context, hiveID int64, population int64) error
	AddHivePopulation(ctx context.Context, hiveID int64, delta int64) error

	AssignmentsByHive(ctx context.Context, hiveID int64) ([]hive.Assignment, error)
	AssignAgent(ctx context.Context, agentID string, hiveID, chamberID int64) error
	AgentCount(ctx context.Context, hiveID int64) (int64, error)

	CreateChamberAt(ctx context.Context, hiveID int64, address string, cellIndex int) (hive.Chamber, error)
	ChamberByAddress(ctx context.Context, hiveID int64, address string) (hive.Chamber, error)
	IncrementOccupants(ctx context.Context, chamberID int64) error
	DecrementOccupants(ctx context.Context, chamberID int64) error
	RecordMigration(ctx context.Context, rec hive.MigrationRecord) (int64, error)
	StampMigrationReceipt(ctx context.Context, recordIDs []int64, receipt string) error

	SaveMigrationCheckpoint(ctx context.Context, jobID string, batchIndex int) error
	UnfinishedMigrationJob(ctx context.Context) (string, int, error)
	ClearMigrationCheckpoint(ctx context.Context, jobID string) error
}

// Progress is reported to the observer after every completed batch.
type Progress struct {
	JobID    string  `json:"job_id"`
	Batch    int     `json:"batch"`
	Batches  int     `json:"batches"`
	Pct      float64 `json:"pct"`
	Migrated int     `json:"migrated"`
	Failed   int     `json:"failed"`
}

// Observer receives batch progress. Synchronous; keep it cheap.
type Observer interface {
	MigrationProgress(p Progress)
}

type nopObserver struct{}

func (nopObserver) MigrationProgress(Progress) {}

// Result summarizes one Execute call. Skipped means another run was already
// in flight and nothing was done; callers poll rather than treat it as a
// failure.
type Result struct {
	Skipped  bool   `json:"skipped"`
	JobID    string `json:"job_id,omitempty"`
	Migrated int    `json:"migrated"`
	Failed   int    `json:"failed"`
	Receipt  string `json:"receipt,omitempty"`
	Batches  int    `json:"batches"`
}

// PlanEntry moves one agent.
type PlanEntry struct {
	AgentID      string
	FromHive     int64
	ToHive       int64
	FromChamber  int64
	ToCellIndex  int
	HiveDistance int
}

// Plan is the pure redistribution computation; building it mutates nothing.
type Plan struct {
	SourceHive int64
	PerTarget  int
	Targets    []int64
	Entries    []PlanEntry
}

type Config struct {
	SourceHiveID int64
	Threshold    int64
	BatchSize    int
}

// Coordinator owns threshold detection and migration execution for one
// source hive. A single coordinating process is assumed; the single-flight
// guard below is the only concurrency control between runs.
type Coordinator struct {
	cfg    Config
	store  Store
	lat    *lattice.Lattice
	anchor ledger.Client
	logger *log.Logger
	obs    Observer

	running atomic.Bool
}

func NewCoordinator(cfg Config, store Store, lat *lattice.Lattice, anchor ledger.Client, logger *log.Logger, obs Observer) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if anchor == nil {
		anchor = ledger.Local{}
	}
	if logger == nil {
		logger = log.Default()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Coordinator{cfg: cfg, store: store, lat: lat, anchor: anchor, logger: logger, obs: obs}
}

// ShouldMigrate reports whether the source hive has crossed the migration
// threshold. Stable under repeated calls while population is unchanged.
func (c *Coordinator) ShouldMigrate(ctx context.Context) (bool, error) {
	h, err := c.store.HiveByID(ctx, c.cfg.SourceHiveID)
	if err != nil {
		return false, err
	}
	return h.Population >= c.cfg.Threshold, nil
}

// CalculatePlan computes the redistribution over the currently dormant
// hives: an even floor(threshold/targets) split, destination cells handed
// out sequentially per target hive. Pure; store state is not touched.
func (c *Coordinator) CalculatePlan(ctx context.Context) (Plan, error) {
	targets, err := c.store.DormantHives(ctx)
	if err != nil {
		return Plan{}, err
	}
	return c.planFor(ctx, targets)
}

func (c *Coordinator) planFor(ctx context.Context, targets []hive.Hive) (Plan, error) {
	if len(targets) == 0 {
		return Plan{}, fmt.Errorf("migration: no target hives available")
	}
	source, err := c.store.HiveByID(ctx, c.cfg.SourceHiveID)
	if err != nil {
		return Plan{}, err
	}
	assignments, err := c.store.AssignmentsByHive(ctx, source.ID)
	if err != nil {
		return Plan{}, err
	}

	perTarget := int(c.cfg.Threshold) / len(targets)
	plan := Plan{SourceHive: source.ID, PerTarget: perTarget}
	for _, t := range targets {
		plan.Targets = append(plan.Targets, t.ID)
	}

	i := 0
	for _, t := range targets {
		dist := lattice.Distance(geoHex(source.Lat, source.Lon), geoHex(t.Lat, t.Lon))
		for slot := 0; slot < perTarget && i < len(assignments); slot++ {
			a := assignments[i]
			i++
			plan.Entries = append(plan.Entries, PlanEntry{
				AgentID:      a.AgentID,
				FromHive:     source.ID,
				ToHive:       t.ID,
				FromChamber:  a.ChamberID,
				ToCellIndex:  slot % c.lat.Capacity(),
				HiveDistance: dist,
			})
		}
	}
	return plan, nil
}

// Execute runs one migration end to end: activate dormant targets, compute
// the plan, process it in fixed-size batches, anchor one receipt, refresh
// the source population. A second call while one is in flight returns a
// skipped no-op result. Per-entry failures are counted and never abort the
// run; the whole procedure is best effort, resumable at batch granularity,
// and not atomic across the plan.
func (c *Coordinator) Execute(ctx context.Context) (Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer c.running.Store(false)

	// Resume the previous job id if a run died mid-flight; its plan is
	// recomputed from the assignments still in the source hive, so already
	// moved agents do not migrate twice.
	jobID, _, err := c.store.UnfinishedMigrationJob(ctx)
	if errors.Is(err, hive.ErrNotFound) {
		jobID = uuid.NewString()
	} else if err != nil {
		return Result{}, err
	} else {
		c.logger.Printf("migration job %s: resuming unfinished run", jobID)
	}

	targets, err := c.store.DormantHives(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(targets) == 0 {
		// Resumed runs find their targets already active.
		targets, err = c.resumeTargets(ctx)
		if err != nil {
			return Result{}, err
		}
	}
	for _, t := range targets {
		if err := c.store.SetHiveStatus(ctx, t.ID, hive.StatusActive); err != nil {
			return Result{}, fmt.Errorf("activate hive %d: %w", t.ID, err)
		}
	}

	plan, err := c.planFor(ctx, targets)
	if err != nil {
		return Result{}, err
	}

	res := Result{JobID: jobID}
	var recordIDs []int64
	batches := (len(plan.Entries) + c.cfg.BatchSize - 1) / c.cfg.BatchSize
	res.Batches = batches

	for b := 0; b < batches; b++ {
		lo := b * c.cfg.BatchSize
		hi := lo + c.cfg.BatchSize
		if hi > len(plan.Entries) {
			hi = len(plan.Entries)
		}
		for _, e := range plan.Entries[lo:hi] {
			ids, err := c.migrateOne(ctx, e)
			if err != nil {
				res.Failed++
				c.logger.Printf("migration job %s: agent %s: %v", jobID, e.AgentID, err)
				continue
			}
			res.Migrated++
			recordIDs = append(recordIDs, ids)
		}
		if err := c.store.SaveMigrationCheckpoint(ctx, jobID, b); err != nil {
			c.logger.Printf("migration job %s: checkpoint batch %d: %v", jobID, b, err)
		}
		c.obs.MigrationProgress(Progress{
			JobID:    jobID,
			Batch:    b + 1,
			Batches:  batches,
			Pct:      math.Round(float64(b+1)/float64(batches)*10000) / 100,
			Migrated: res.Migrated,
			Failed:   res.Failed,
		})
	}

	// Anchor one receipt for the whole run. Failure here is logged and
	// swallowed: the moves above are already committed and must stay so.
	summary := ledger.Summary{MigratedCount: res.Migrated, Timestamp: time.Now().UTC()}
	receipt, err := c.anchor.SubmitReceipt(ctx, summary)
	if err != nil {
		c.logger.Printf("migration job %s: anchor receipt: %v", jobID, err)
	} else {
		res.Receipt = receipt
		if err := c.store.StampMigrationReceipt(ctx, recordIDs, receipt); err != nil {
			c.logger.Printf("migration job %s: stamp receipt: %v", jobID, err)
		}
	}

	// Square the source counter with the assignments that actually remain.
	remaining, err := c.store.AgentCount(ctx, plan.SourceHive)
	if err == nil {
		if err := c.store.SetHivePopulation(ctx, plan.SourceHive, remaining); err != nil {
			c.logger.Printf("migration job %s: refresh source population: %v", jobID, err)
		}
	}

	if err := c.store.ClearMigrationCheckpoint(ctx, jobID); err != nil {
		c.logger.Printf("migration job %s: clear checkpoint: %v", jobID, err)
	}
	c.logger.Printf("migration job %s: done, migrated=%d failed=%d batches=%d", jobID, res.Migrated, res.Failed, batches)
	return res, nil
}

// resumeTargets recovers the target set for a resumed run: every active
// hive except the source.
func (c *Coordinator) resumeTargets(ctx context.Context) ([]hive.Hive, error) {
	active, err := c.store.ActiveHives(ctx)
	if err != nil {
		return nil, err
	}
	var out []hive.Hive
	for _, h := range active {
		if h.ID != c.cfg.SourceHiveID {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("migration: no target hives available")
	}
	return out, nil
}

// migrateOne moves a single agent: destination chamber (created on first
// use), reassignment, migration record, destination counters, source
// chamber vacated.
func (c *Coordinator) migrateOne(ctx context.Context, e PlanEntry) (int64, error) {
	addr := destAddress(e.ToHive, e.ToCellIndex)
	dest, err := c.store.CreateChamberAt(ctx, e.ToHive, addr, e.ToCellIndex)
	if errors.Is(err, hive.ErrAddressExists) {
		dest, err = c.store.ChamberByAddress(ctx, e.ToHive, addr)
	}
	if err != nil {
		return 0, fmt.Errorf("destination chamber %s: %w", addr, err)
	}
	if err := c.store.AssignAgent(ctx, e.AgentID, e.ToHive, dest.ID); err != nil {
		return 0, fmt.Errorf("reassign: %w", err)
	}
	recID, err := c.store.RecordMigration(ctx, hive.MigrationRecord{
		AgentID:     e.AgentID,
		FromHive:    e.FromHive,
		ToHive:      e.ToHive,
		FromChamber: e.FromChamber,
		ToChamber:   dest.ID,
		At:          time.Now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("record: %w", err)
	}
	if err := c.store.IncrementOccupants(ctx, dest.ID); err != nil {
		return 0, fmt.Errorf("destination occupants: %w", err)
	}
	if err := c.store.AddHivePopulation(ctx, e.ToHive, 1); err != nil {
		return 0, fmt.Errorf("destination population: %w", err)
	}
	if err := c.store.DecrementOccupants(ctx, e.FromChamber); err != nil {
		return 0, fmt.Errorf("source occupants: %w", err)
	}
	return recID, nil
}

// destAddress is the deterministic address of a migration destination cell.
// Keyed on hive and cell so re-running a plan entry reuses the chamber
// instead of allocating a second one.
func destAddress(hiveID int64, cellIndex int) string {
	return fmt.Sprintf("HV%d-MIG-%06d", hiveID, cellIndex)
}

// OptimalHive routes a new agent: the origin hive while it has headroom,
// otherwise the geographically nearest active hive.
func (c *Coordinator) OptimalHive(ctx context.Context, lat, lon float64) (hive.Hive, error) {
	origin, err := c.store.HiveByID(ctx, c.cfg.SourceHiveID)
	if err != nil {
		return hive.Hive{}, err
	}
	if origin.Population < c.cfg.Threshold {
		return origin, nil
	}
	active, err := c.store.ActiveHives(ctx)
	if err != nil {
		return hive.Hive{}, err
	}
	if len(active) == 0 {
		return origin, nil
	}
	best := active[0]
	bestKm := greatCircleKm(lat, lon, best.Lat, best.Lon)
	for _, h := range active[1:] {
		if d := greatCircleKm(lat, lon, h.Lat, h.Lon); d < bestKm {
			best, bestKm = h, d
		}
	}
	return best, nil
}

// geoHex drops a hive's geocoordinate onto the lattice plane at one axial
// unit per degree, for the coarse center-to-center distance carried in plan
// entries.
func geoHex(lat, lon float64) lattice.Hex {
	return lattice.Hex{Q: int(math.Round(lon)), R: int(math.Round(lat))}
}
