/*
Package types defines the data structures shared by every package in the
dispatch core.

This package has no dependencies on storage, scheduling, or session code: it
only describes the shape of a Repo, a Worker, a Task, and an Event, plus the
enums that constrain their fields. All other packages import types but
nothing in types imports them back.

# Core Types

Repo: an administrative bucket of tasks with its own assignment throttle
(MaxOpenPRs) and area-lock policy (AreaLocksEnabled).

Worker: a long-running remote agent identified by an opaque WorkerID,
authenticated by a TokenHash (the raw bearer token is never persisted),
carrying a skill set, a capacity budget, and a self-reported Status.

Task: one atomic unit of work that moves through the state machine

	ready → leased → in_progress → blocked → pr_opened → merged

with lease bookkeeping (LeasedAt, LeaseExpiresAt, AssignedWorkerID) that is
non-nil exactly when Status is one of leased/in_progress/blocked/pr_opened.

Event: an append-only log row emitted by every mutation the core performs,
keyed by a monotonically increasing ID assigned by the store.

# Enumeration Pattern

Enums are typed string constants, matching the rest of the corpus:

	type TaskStatus string
	const (
		TaskReady  TaskStatus = "ready"
		TaskLeased TaskStatus = "leased"
	)

# Skill Matching

SkillSet wraps []string and normalizes (trim + lowercase) only at comparison
time via Normalize/Subset, so callers can store tags in whatever case an
administrator typed them without re-normalizing on every write.

# Optional Fields

LastHeartbeat, LeasedAt, and LeaseExpiresAt are *time.Time: nil means "not
set" per the invariants in §3 of the core's specification (a ready task has
nil lease fields; a held task does not).
*/
package types
