/*
Package events provides a non-blocking, in-memory fan-out of types.Event
to live subscribers (an admin stream, a debugging tail).

Broker.Publish never blocks the caller beyond a single buffered channel
send; Broker.broadcast never blocks on a slow subscriber, dropping the
event for that subscriber instead. The store's event log remains the
durable record — a subscriber that misses a broadcast can always
recover with ListEvents.
*/
package events
