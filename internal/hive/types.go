// Package hive holds the chamber lattice domain model: hives, chambers,
// wall vectors, and the wall-alignment consensus run by the Manager.
package hive

import (
	"time"

	"hexhive.ai/internal/lattice"
)

type HiveStatus string

const (
	StatusActive  HiveStatus = "active"
	StatusDormant HiveStatus = "dormant"
)

// Hive is one bounded lattice instance. Dormant hives exist in configuration
// but hold no chambers until the migration coordinator activates them.
type Hive struct {
	ID         int64
	Name       string
	Lat        float64
	Lon        float64
	Capacity   int
	Status     HiveStatus
	Population int64
}

// Chamber is an allocated lattice cell. Chambers are created the first time
// an agent is routed to their cell and are never structurally deleted, only
// vacated.
type Chamber struct {
	ID            int64
	HiveID        int64
	Address       string
	LifePathTag   string
	LatHash       string
	LonHash       string
	CellIndex     int
	Walls         WallVector
	Occupants     int64
	LastConsensus *time.Time
}

// Assignment is an agent's single current placement. Agents are opaque
// foreign keys here; identity lives with an external collaborator.
type Assignment struct {
	AgentID   string
	HiveID    int64
	ChamberID int64
}

// ConsensusEvent is an append-only record written when a chamber's wall
// alignment crosses the consensus threshold.
type ConsensusEvent struct {
	ID            int64     `json:"id,omitempty"`
	HiveID        int64     `json:"hive_id"`
	ChamberID     int64     `json:"chamber_id"`
	WallPattern   string    `json:"wall_pattern"`
	AlignmentPct  float64   `json:"alignment_pct"`
	AnchorReceipt string    `json:"anchor_receipt,omitempty"`
	At            time.Time `json:"at"`
}

// MigrationRecord is an append-only record of one agent's move. Immutable
// once written.
type MigrationRecord struct {
	ID            int64     `json:"id,omitempty"`
	AgentID       string    `json:"agent_id"`
	FromHive      int64     `json:"from_hive"`
	ToHive        int64     `json:"to_hive"`
	FromChamber   int64     `json:"from_chamber"`
	ToChamber     int64     `json:"to_chamber"`
	LedgerReceipt string    `json:"ledger_receipt,omitempty"`
	At            time.Time `json:"at"`
}

// Placement is what AssignChamber hands back to the identity collaborator.
type Placement struct {
	ChamberID int64
	Address   string
	Coord     lattice.Hex
	Created   bool
}
