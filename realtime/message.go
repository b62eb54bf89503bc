package realtime

import (
	"encoding/json"
)

// wire events
// the envelope is one json text frame per websocket message.
// `hello` is exchanged once at handshake time before any other event.
const (
	EventHello       = "hello"
	EventReply       = "reply"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventBroadcast   = "broadcast"
	EventHeartbeat   = "heartbeat"
	EventInsert      = "insert"
	EventUpdate      = "update"
	EventDelete      = "delete"
)

const ReplyStatusOk = "ok"

type Message struct {
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type HelloPayload struct {
	Token  string `json:"token,omitempty"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// acknowledges the request that carried the same ref
type ReplyPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// the full filter set for one channel.
// the server needs all filters at subscription time,
// which is why listener registration closes when `Subscribe` is called.
type SubscribePayload struct {
	Changes    []*ChangeSubscription `json:"changes,omitempty"`
	Broadcasts []string              `json:"broadcasts,omitempty"`
}

type ChangeSubscription struct {
	Kind   string `json:"kind"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ChangePayload struct {
	Schema     string          `json:"schema"`
	Table      string          `json:"table"`
	NewRecord  json.RawMessage `json:"new,omitempty"`
	OldRecord  json.RawMessage `json:"old,omitempty"`
	CommitTime string          `json:"commit_time,omitempty"`
}

func encodePayload(payload any) (json.RawMessage, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payloadBytes), nil
}

func requirePayload(payload any) json.RawMessage {
	payloadBytes, err := encodePayload(payload)
	if err != nil {
		panic(err)
	}
	return payloadBytes
}
