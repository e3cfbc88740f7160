package hive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"hexhive.ai/internal/lattice"
)

// Store is the slice of the chamber store the manager needs. The sqlite
// implementation lives in internal/persistence/hivedb.
type Store interface {
	CreateChamber(ctx context.Context, hiveID int64, address, lifePathTag, latHash, lonHash string) (Chamber, error)
	ChamberByAddress(ctx context.Context, hiveID int64, address string) (Chamber, error)
	ChamberByID(ctx context.Context, chamberID int64) (Chamber, error)
	ChamberByCell(ctx context.Context, hiveID int64, cellIndex int) (Chamber, error)
	UpdateWallState(ctx context.Context, chamberID int64, walls WallVector) error
	IncrementOccupants(ctx context.Context, chamberID int64) error
	DecrementOccupants(ctx context.Context, chamberID int64) error
	AssignAgent(ctx context.Context, agentID string, hiveID, chamberID int64) error
	AssignmentByAgent(ctx context.Context, agentID string) (Assignment, error)
	AddHivePopulation(ctx context.Context, hiveID int64, delta int64) error
	LogConsensusEvent(ctx context.Context, ev ConsensusEvent) (int64, error)
}

// Observer receives consensus notifications. Delivery is synchronous and
// in-order per chamber; implementations must not block for long.
type Observer interface {
	ConsensusReached(ev ConsensusEvent)
}

type nopObserver struct{}

func (nopObserver) ConsensusReached(ConsensusEvent) {}

// DefaultConsensusThreshold is the two-thirds wall-alignment bar.
const DefaultConsensusThreshold = 0.66

// ConsensusResult is the outcome of one alignment pass over a chamber's
// allocated neighbors.
type ConsensusResult struct {
	Reached      bool    `json:"reached"`
	AlignmentPct float64 `json:"alignment_pct"`
	Neighbors    int     `json:"neighbors"`
	Matches      int     `json:"matches"`
}

// Manager orchestrates chamber lifecycle and the wall-alignment consensus.
type Manager struct {
	store     Store
	lat       *lattice.Lattice
	threshold float64
	logger    *log.Logger
	obs       Observer

	mu      sync.Mutex
	chamber map[int64]*sync.Mutex
}

// NewManager wires a manager. threshold <= 0 selects the default; obs may be
// nil.
func NewManager(store Store, lat *lattice.Lattice, threshold float64, logger *log.Logger, obs Observer) *Manager {
	if threshold <= 0 {
		threshold = DefaultConsensusThreshold
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:     store,
		lat:       lat,
		threshold: threshold,
		logger:    logger,
		obs:       obs,
		chamber:   map[int64]*sync.Mutex{},
	}
}

// Lattice exposes the geometry the manager was built with.
func (m *Manager) Lattice() *lattice.Lattice { return m.lat }

// AssignChamber routes an agent to the chamber for its hive, life-path tag,
// and location, creating the chamber on first contact. Creation is
// idempotent by derived address, so a concurrent create by another caller is
// folded into a lookup. Re-assigning an agent already holding the same
// chamber is a no-op for the counters; moving an agent releases its previous
// chamber first. agentID may be empty when only the placement is wanted;
// such calls always count as one new occupant.
func (m *Manager) AssignChamber(ctx context.Context, hiveID int64, agentID, lifePathTag string, lat, lon float64) (Placement, error) {
	address, latHash, lonHash := DeriveAddress(hiveID, lifePathTag, lat, lon)

	created := false
	ch, err := m.store.ChamberByAddress(ctx, hiveID, address)
	if errors.Is(err, ErrNotFound) {
		ch, err = m.store.CreateChamber(ctx, hiveID, address, lifePathTag, latHash, lonHash)
		if errors.Is(err, ErrAddressExists) {
			ch, err = m.store.ChamberByAddress(ctx, hiveID, address)
		} else if err == nil {
			created = true
		}
	}
	if err != nil {
		return Placement{}, fmt.Errorf("assign chamber %s: %w", address, err)
	}

	prev, hasPrev, err := m.priorAssignment(ctx, agentID)
	if err != nil {
		return Placement{}, fmt.Errorf("assign agent %s: %w", agentID, err)
	}
	if hasPrev && prev.ChamberID == ch.ID {
		return Placement{
			ChamberID: ch.ID,
			Address:   address,
			Coord:     m.lat.IndexToHex(ch.CellIndex),
		}, nil
	}

	if err := m.store.IncrementOccupants(ctx, ch.ID); err != nil {
		return Placement{}, fmt.Errorf("assign chamber %s: %w", address, err)
	}
	if hasPrev {
		if err := m.store.DecrementOccupants(ctx, prev.ChamberID); err != nil {
			return Placement{}, fmt.Errorf("release chamber %d: %w", prev.ChamberID, err)
		}
	}
	// The agent row is upserted, so population only moves when the agent is
	// new to this hive.
	if !hasPrev || prev.HiveID != hiveID {
		if err := m.store.AddHivePopulation(ctx, hiveID, 1); err != nil {
			return Placement{}, fmt.Errorf("assign chamber %s: %w", address, err)
		}
		if hasPrev {
			if err := m.store.AddHivePopulation(ctx, prev.HiveID, -1); err != nil {
				return Placement{}, fmt.Errorf("release hive %d: %w", prev.HiveID, err)
			}
		}
	}
	if agentID != "" {
		if err := m.store.AssignAgent(ctx, agentID, hiveID, ch.ID); err != nil {
			return Placement{}, fmt.Errorf("assign agent %s: %w", agentID, err)
		}
	}
	if created {
		m.logger.Printf("chamber %d allocated at %s (hive %d, cell %d)", ch.ID, address, hiveID, ch.CellIndex)
	}
	return Placement{
		ChamberID: ch.ID,
		Address:   address,
		Coord:     m.lat.IndexToHex(ch.CellIndex),
		Created:   created,
	}, nil
}

// priorAssignment looks up the agent's current chamber, if any. An empty
// agentID has no assignment by definition.
func (m *Manager) priorAssignment(ctx context.Context, agentID string) (Assignment, bool, error) {
	if agentID == "" {
		return Assignment{}, false, nil
	}
	a, err := m.store.AssignmentByAgent(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return Assignment{}, false, nil
	}
	if err != nil {
		return Assignment{}, false, err
	}
	return a, true, nil
}

// AdjacentChambers resolves the allocated chambers around one chamber,
// keyed by direction. Cells no agent has ever reached are simply absent;
// that is the normal state of a sparse lattice, not an error.
func (m *Manager) AdjacentChambers(ctx context.Context, chamberID int64) (map[lattice.Direction]Chamber, error) {
	ch, err := m.store.ChamberByID(ctx, chamberID)
	if err != nil {
		return nil, err
	}
	return m.adjacent(ctx, ch)
}

func (m *Manager) adjacent(ctx context.Context, ch Chamber) (map[lattice.Direction]Chamber, error) {
	coord := m.lat.IndexToHex(ch.CellIndex)
	out := map[lattice.Direction]Chamber{}
	for d := lattice.DirN; d <= lattice.DirNW; d++ {
		n := lattice.Neighbor(coord, d)
		if !m.lat.InTable(n) {
			continue
		}
		nb, err := m.store.ChamberByCell(ctx, ch.HiveID, m.lat.HexToIndex(n))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if nb.ID == ch.ID {
			// HexToIndex is approximate; a neighbor estimate can fold back
			// onto the chamber itself near ring seams. Never self-pair.
			continue
		}
		out[d] = nb
	}
	return out, nil
}

// UpdateWallState replaces a chamber's full wall vector and re-evaluates
// consensus as a side effect. This is the only mutation path for walls;
// updates to one chamber are serialized so a full-vector replace cannot
// lose a concurrent write.
func (m *Manager) UpdateWallState(ctx context.Context, chamberID int64, walls WallVector) (ConsensusResult, error) {
	mu := m.chamberLock(chamberID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.store.UpdateWallState(ctx, chamberID, walls); err != nil {
		return ConsensusResult{}, err
	}
	ch, err := m.store.ChamberByID(ctx, chamberID)
	if err != nil {
		return ConsensusResult{}, err
	}
	res, err := m.evaluate(ctx, ch)
	if err != nil {
		return ConsensusResult{}, err
	}
	if res.Reached {
		ev := ConsensusEvent{
			HiveID:       ch.HiveID,
			ChamberID:    ch.ID,
			WallPattern:  ch.Walls.String(),
			AlignmentPct: res.AlignmentPct,
			At:           time.Now().UTC(),
		}
		if _, err := m.store.LogConsensusEvent(ctx, ev); err != nil {
			return ConsensusResult{}, fmt.Errorf("log consensus for chamber %d: %w", ch.ID, err)
		}
		m.logger.Printf("consensus reached: chamber %d hive %d pattern %s alignment %.2f%%",
			ch.ID, ch.HiveID, ev.WallPattern, ev.AlignmentPct)
		m.obs.ConsensusReached(ev)
	}
	return res, nil
}

// Alignment computes the current consensus state of a chamber without
// recording anything.
func (m *Manager) Alignment(ctx context.Context, chamberID int64) (ConsensusResult, error) {
	ch, err := m.store.ChamberByID(ctx, chamberID)
	if err != nil {
		return ConsensusResult{}, err
	}
	return m.evaluate(ctx, ch)
}

// evaluate runs the wall-alignment check. For a neighbor reachable in
// direction d, the pair is aligned when the chamber's wall at Opposite(d)
// AND the neighbor's wall at d are both open. The index pairing is
// intentionally asymmetric: each side reads the wall on its own side of the
// shared edge, which sits at Opposite(d) for the chamber and at d for the
// neighbor. A chamber with no allocated neighbors has nothing to agree
// with and is reported as not reached.
func (m *Manager) evaluate(ctx context.Context, ch Chamber) (ConsensusResult, error) {
	neighbors, err := m.adjacent(ctx, ch)
	if err != nil {
		return ConsensusResult{}, err
	}
	res := ConsensusResult{Neighbors: len(neighbors)}
	if len(neighbors) == 0 {
		return res, nil
	}
	for d, nb := range neighbors {
		if ch.Walls.Open(d.Opposite()) && nb.Walls.Open(d) {
			res.Matches++
		}
	}
	ratio := float64(res.Matches) / float64(res.Neighbors)
	res.AlignmentPct = math.Round(ratio*10000) / 100
	res.Reached = ratio >= m.threshold
	return res, nil
}

func (m *Manager) chamberLock(chamberID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.chamber[chamberID]
	if !ok {
		mu = &sync.Mutex{}
		m.chamber[chamberID] = mu
	}
	return mu
}
