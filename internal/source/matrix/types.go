package matrix

import "encoding/json"

// SyncResponse is the subset of GET /_matrix/client/v3/sync the adapter
// reads.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]JoinedRoom `json:"join"`
	} `json:"rooms"`
}

// JoinedRoom carries one joined room's state and timeline deltas.
type JoinedRoom struct {
	State struct {
		Events []Event `json:"events"`
	} `json:"state"`
	Timeline struct {
		Events []json.RawMessage `json:"events"`
	} `json:"timeline"`
}

// Event is a Matrix client event.
type Event struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType    string `json:"msgtype"`
	Body       string `json:"body"`
	SenderName string `json:"com.beeper.sender_name"`
}

type bridgeContent struct {
	BridgeName string `json:"com.beeper.bridge_name"`
	Protocol   struct {
		ID string `json:"id"`
	} `json:"protocol"`
}

type roomNameContent struct {
	Name string `json:"name"`
}

// errorResponse is the standard Matrix error body.
type errorResponse struct {
	ErrCode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}
