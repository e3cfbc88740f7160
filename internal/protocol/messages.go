// Package protocol defines the wire shapes of the hive API: the event
// stream messages and the error code vocabulary. JSON schemas for the
// stream live under schemas/ and are validated in tests.
package protocol

import (
	"hexhive.ai/internal/hive"
	"hexhive.ai/internal/migration"
)

const (
	// Event stream message types.
	TypeConsensus         = "CONSENSUS"
	TypeMigrationProgress = "MIGRATION_PROGRESS"
)

// Event is one event-stream frame. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type      string               `json:"type"`
	Consensus *hive.ConsensusEvent `json:"consensus,omitempty"`
	Migration *migration.Progress  `json:"migration,omitempty"`
}

// ErrorBody is the JSON error envelope of the HTTP API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
