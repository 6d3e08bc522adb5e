// Package worker is the agent-side poll loop. It registers the agent, waits
// for triggers through a Strategy, and hands each one to a Spawner that runs
// the external agent session to completion before polling again.
//
// States move Unregistered -> Registered -> Polling <-> Dispatching and end
// in Terminated when the context is cancelled, the iteration limit is hit,
// or a session fails while continue_on_error is off.
package worker
