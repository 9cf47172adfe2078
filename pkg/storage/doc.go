/*
Package storage implements the Store interface on a single bbolt file:
one bucket per entity (repos, workers, tasks, events) plus three index
buckets that make the core's hot queries cheap without loading every
row and filtering in Go.

# Buckets

	repos              repo name            -> JSON Repo
	workers             workerID             -> JSON Worker
	tasks               taskID               -> JSON Task
	events              big-endian uint64 ID -> JSON Event
	idx_worker_token    tokenHash            -> workerID
	idx_repo_status     repo\x00status\x00taskID -> taskID
	idx_status_priority status\x00 invertedPriority(4B) estimate(4B) taskID -> taskID

idx_status_priority is what list_ready_tasks and the matcher's held-task
scans walk: a Cursor.Seek on the status prefix yields tasks already in
priority order (ties broken by estimate, then taskID), since byte
comparison on the fixed-width inverted priority sorts highest priority
first. idx_repo_status backs count_open_prs and locked_areas, which only
ever need tasks in one repo and one (or a handful of) statuses.

Both index buckets are maintained alongside the tasks bucket inside the
same transaction as every mutation that changes a task's status, so a
reader never observes a task present in one and absent from the other.

Event IDs come from the events bucket's own NextSequence, so the
monotonic counter survives restarts without a separate counter key.
*/
package storage
