// Package agent is the push notification delivery agent.
//
// It turns inbound push payloads into exactly one rendered notification each,
// asks the notification surface to display it, and routes user interaction
// back into the hosting application: a click focuses an already open window
// whose locator contains the notification target, or opens a new one.
//
// # Ports
//
// The agent owns no platform state. Everything it touches is injected:
// a Surface that shows and closes notifications, a Clients port that
// enumerates open windows (optionally a WindowOpener), and an optional
// Registration used by the install/activate lifecycle.
//
// # Dispatcher
//
// Events are fed through a Dispatcher: a bounded queue drained by a fixed
// number of lanes. Events for the same notification always land on the same
// lane, so they never interleave. Each lane is a small state machine
// (dormant <-> handling) and runs handlers to completion.
package agent
