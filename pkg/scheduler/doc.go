/*
Package scheduler matches ready tasks to online, eligible workers.

Matcher.RunCycle is one pass: snapshot repo/worker state once, walk
ready tasks in priority order leasing each to the best candidate, and
update the in-memory snapshot (never the store) so later tasks in the
same cycle see earlier assignments without another store round-trip.

Driver runs a caller-supplied CycleFunc (normally a requeue-then-match
pass over a lease.Manager and a Matcher under the caller's write lock)
on a ticker loop, plus a buffered trigger channel so a caller can
request an out-of-band cycle right after a mutation instead of waiting
out the interval.

# Candidate selection

A worker is eligible for a task when it is online (heartbeat within the
configured TTL), not paused, has every required skill, and has spare
capacity points and concurrent-task slots for the task's estimate. Among
eligible workers the one with the lowest used points wins; ties break on
lowest used task count, then highest reputation, then ascending
last-heartbeat timestamp.
*/
package scheduler
