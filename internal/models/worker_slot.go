package models

import "time"

// SlotState is the state of one browser worker slot
type SlotState string

const (
	SlotStateIdle       SlotState = "idle"
	SlotStateBusy       SlotState = "busy"
	SlotStateCrashed    SlotState = "crashed"
	SlotStateRestarting SlotState = "restarting"
	SlotStateRemoved    SlotState = "removed" // failed to restart, out of rotation
)

// SlotInfo is a read-only view of a slot for stats and events
type SlotInfo struct {
	ID           int       `json:"id"`
	State        SlotState `json:"state"`
	JobID        string    `json:"job_id,omitempty"`
	Restarts     int       `json:"restarts"`
	LastError    string    `json:"last_error,omitempty"`
	StateChanged time.Time `json:"state_changed"`
}

// PoolStats summarises the worker pool
type PoolStats struct {
	Size        int        `json:"size"`     // configured N
	Capacity    int        `json:"capacity"` // N minus removed slots
	Idle        int        `json:"idle"`
	Busy        int        `json:"busy"`
	Restarting  int        `json:"restarting"`
	Removed     int        `json:"removed"`
	InFlight    int        `json:"in_flight"`
	MaxInFlight int        `json:"max_in_flight"`
	Slots       []SlotInfo `json:"slots"`
}
