// Package sessions implements the lifecycle registry for paired messaging
// agent sessions.
//
// Every external identifier owns at most one Session at a time. A Session
// wraps a transport.Agent and walks the lifecycle
//
//	Uninitialized -> Initializing -> AwaitingPairing -> Ready
//	                       \______________________/
//	                               (resumed)
//
// ending in Disconnected or AuthFailed. Transport events are applied by a
// single consumer goroutine per session so transitions are serialized, while
// the Registry map lock is only held for map bookkeeping and never across a
// transport call.
//
// Sending is gated on the Ready state (see Registry.Send) and sessions are
// released through Registry.Teardown, which logs the agent out, waits for
// in-flight sends to finish and only then destroys the handle.
package sessions
