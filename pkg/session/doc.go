// Package session defines the lifecycle record of a single agent execution.
//
// Invariants:
// - Status moves pending -> running -> {completed, failed, stopped, timed_out}.
// - A pending session may also fail or be stopped before it ever runs.
// - Terminal statuses have no outgoing transitions.
// - Readers outside the supervisor only see Snapshot values.
//
// Usage:
//
//	s := session.New("session-1", "lead-finder", "find leads in Austin")
//	_ = s.Transition(session.StatusRunning, time.Now())
//	snap := s.Snapshot()
//	_ = snap
package session
