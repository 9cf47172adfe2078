/*
Package session handles the worker-facing half of the dispatch core:
registration, bearer-token authentication, and heartbeats.

Registration mints a 256-bit random token and returns it once; only its
SHA-256 hash is ever persisted, so Authenticate looks a worker up by
hash and a miss is indistinguishable from an unregistered worker.
*/
package session
