package wal

import "github.com/ChuLiYu/cube-builder/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventBuildCreated       EventType = "BUILD_CREATED"       // Build, jobs and counters persisted
	EventJobDispatched      EventType = "JOB_DISPATCHED"      // Job handed to a worker
	EventJobCompleted       EventType = "JOB_COMPLETED"       // Attempt recorded (succeeded / failed / exhausted)
	EventCounterDecremented EventType = "COUNTER_DECREMENTED" // Fan-in counter applied one member
	EventJobsSkipped        EventType = "JOBS_SKIPPED"        // Publish jobs skipped after an exhausted blend
	EventBuildCancelled     EventType = "BUILD_CANCELLED"     // Build and its non-terminal jobs cancelled
)

// Event represents a WAL event record.
//
// Events carry the full post-mutation records, so replay upserts them in
// order and never re-derives a transition. Applying an event twice is a no-op.
type Event struct {
	Seq       uint64                `json:"seq"`       // Event sequence number (monotonically increasing across rotations)
	Type      EventType             `json:"type"`      // Event type
	Timestamp int64                 `json:"timestamp"` // Unix millisecond timestamp
	Build     *types.Build          `json:"build,omitempty"`
	Jobs      []*types.Job          `json:"jobs,omitempty"`
	Counters  []*types.FanInCounter `json:"counters,omitempty"`
	Checksum  uint32                `json:"checksum"` // CRC32 over the event with Checksum zeroed
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
