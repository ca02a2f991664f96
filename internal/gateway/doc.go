// Package gateway terminates client WebSocket connections and maps wire
// frames onto the core stores.
//
// Inbound frames are JSON objects tagged by "t": hello (create or resume a
// session), send (idempotent append, fanned out through the hub), sub
// (backlog replay followed by live delivery), unsub, and ack (advance the
// device's cursor). A {"t":"ping","id":X} frame elicits
// {"v":1,"t":"pong","id":X} byte-for-byte.
//
// Each connection pushes events per conversation in order: the sub handler
// replays the backlog and registers with the hub under one lock, and a
// sequence guard drops anything the connection has already been shown.
package gateway
