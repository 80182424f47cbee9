// Package connection manages the lifecycle of an SMP session with one
// device.
//
// A Manager dials a transport, runs an engine.Engine over it and tears both
// down together, so that no request of an old session can complete against
// a new one. Lost connections are retried with exponential backoff:
//
//  1. Initial delay: 250 milliseconds
//  2. Exponential increase: 500ms, 1s, 2s, 4s
//  3. Maximum delay: 8 seconds
//  4. Reset to the initial delay once the device answers
//
// Jitter spreads retries of many controllers:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// # Liveness
//
// UDP has no connection state. A Heartbeat echoes the device at a fixed
// interval and reports the session lost after MaxMissed failed probes.
// WaitReady uses the same echo probe with backoff to wait for a device that
// is rebooting, e.g. after a reset.
package connection
