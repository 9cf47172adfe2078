/*
Package metrics defines the Prometheus instrumentation for the dispatch
core and the health/readiness handlers served alongside it.

# Catalog

	dispatch_workers_total{status}           gauge, sampled from the store
	dispatch_workers_online                  gauge, sampled from the store
	dispatch_tasks_total{status}              gauge, sampled from the store
	dispatch_repos_total                      gauge, sampled from the store
	dispatch_cycle_duration_seconds           histogram, recorded per cycle
	dispatch_cycle_assigned_total             counter, recorded per cycle
	dispatch_cycle_requeued_total             counter, recorded per cycle
	dispatch_cycle_skipped_total{reason}      counter, recorded per cycle
	dispatch_worker_registrations_total       counter
	dispatch_heartbeats_total                 counter
	dispatch_task_transitions_total{from,to}  counter

Gauges are sampled on a timer by Collector, which reads through the
StatsProvider interface rather than importing the dispatch package
directly (dispatch already imports metrics to record the counters
above). Counters and histograms are recorded inline by the package that
causes the event.

# Health

RegisterComponent/UpdateComponent track named components ("store",
"scheduler", "api"); GetHealth reports liveness across all registered
components, GetReadiness additionally requires the critical set to be
present and healthy before reporting "ready".
*/
package metrics
