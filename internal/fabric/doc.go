// Package fabric is the persistent bidirectional messaging layer between
// the long-lived coordinator and its short-lived capture agents: the
// agent-side persistent channel with heartbeat and reconnect, and the
// coordinator-side connection registry and websocket gateway.
package fabric
