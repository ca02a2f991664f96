// Package hub provides the in-process real-time fan-out registry.
//
// A Hub instance is created once per gateway process and passed explicitly
// to the transport layer. Broadcast delivers an appended event to every
// subscription registered under its conversation, including the sender's
// own device; delivery order across subscribers within one broadcast is
// unspecified, but successive broadcasts reach each subscriber in order.
package hub
