package domain

import "time"

// Agent identifies a process emitting telemetry.
type Agent struct {
	AgentID   string
	Name      string
	FirstSeen time.Time
	LastSeen  time.Time
	IsActive  bool
}

// Session groups events that belong to one user interaction with an agent.
type Session struct {
	SessionID      string
	AgentID        string
	StartTimestamp time.Time
	EndTimestamp   *time.Time
}
