// Package mqtt owns the broker connection: it subscribes to the gateway
// upload topic, hands inbound messages to a single worker, and publishes
// Home Assistant discovery, state and availability messages on behalf of
// the bridge.
//
// Connection management uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect the client re-subscribes,
// publishes "online" to the bridge availability topic and runs the
// registered reconnect hook. A will message moves the bridge
// availability topic to "offline" on unexpected disconnects.
package mqtt
