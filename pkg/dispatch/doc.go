/*
Package dispatch wires the store, worker session manager, matcher, lease
manager, scheduling driver, and event broker into the single entry
point external callers use: Dispatcher.

Every Dispatcher method that mutates state, and the scheduling driver's
own cycle, run behind one mutex so that the matcher always observes a
consistent snapshot of repo throttles, area locks, and worker load —
the single-writer model this core is built around. Errors returned to
callers are *Error values carrying a Kind (auth-missing, auth-invalid,
not-found, forbidden, bad-request) for a transport layer to map onto a
status code.
*/
package dispatch
