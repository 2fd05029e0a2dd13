// Package wsproto implements the channelised, schema-tagged WebSocket
// subprotocol spec.md §6 describes: the bridge speaks it both as a
// client (dialing an upstream source, internal/upstream) and as a
// server (serving visualisation clients, internal/control /
// internal/target).
package wsproto

// Subprotocol is the WebSocket subprotocol token negotiated on both the
// upstream dial and the downstream upgrade.
const Subprotocol = "telemetry.bridge.v1"

// Channel is an upstream-advertised (topic, schema) binding. Metadata
// is an open string key/value map and SchemaEncoding is optional. JSON
// fields other than the ones listed below are dropped on decode and are
// not passed through.
type Channel struct {
	ID              uint32            `json:"id"`
	Topic           string            `json:"topic"`
	MessageEncoding string            `json:"encoding"`
	SchemaName      string            `json:"schemaName"`
	SchemaText      string            `json:"schema"`
	SchemaEncoding  string            `json:"schemaEncoding,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Message is a single demultiplexed upstream or downstream payload.
type Message struct {
	SubscriptionID uint32
	ChannelID      uint32
	TimestampNs    uint64
	Data           []byte
}

// Binary message frame opcode. A single byte precedes every binary
// WebSocket frame so the codec never needs to sniff payload content.
const binaryOpMessage byte = 0x01

// Control-frame operation names, carried as JSON text frames.
const (
	opServerInfo  = "serverInfo"
	opAdvertise   = "advertise"
	opUnadvertise = "unadvertise"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

type serverInfoFrame struct {
	Op           string   `json:"op"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type advertiseFrame struct {
	Op       string    `json:"op"`
	Channels []Channel `json:"channels"`
}

type unadvertiseFrame struct {
	Op         string   `json:"op"`
	ChannelIDs []uint32 `json:"channelIds"`
}

type subscription struct {
	ID        uint32 `json:"id"`
	ChannelID uint32 `json:"channelId"`
}

type subscribeFrame struct {
	Op            string         `json:"op"`
	Subscriptions []subscription `json:"subscriptions"`
}

type unsubscribeFrame struct {
	Op              string   `json:"op"`
	SubscriptionIDs []uint32 `json:"subscriptionIds"`
}

type opOnly struct {
	Op string `json:"op"`
}
