package beeper

import "encoding/json"

// Chat is an entry from GET /v1/chats.
type Chat struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	Network   string `json:"network"`
	AccountID string `json:"accountID"`
}

// ChatList is the response body of GET /v1/chats.
type ChatList struct {
	Items []Chat `json:"items"`
}

// Message is an entry from GET /v1/chats/{id}/messages. Pages are
// returned newest-first.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatID"`
	SenderID   string `json:"senderID"`
	SenderName string `json:"senderName"`
	Timestamp  string `json:"timestamp"`
	SortKey    string `json:"sortKey"`
	Type       string `json:"type"`
	Text       string `json:"text"`
}

// MessagePage is the response body of GET /v1/chats/{id}/messages.
type MessagePage struct {
	Items   []json.RawMessage `json:"items"`
	HasMore bool              `json:"hasMore"`
}

// TokenInfo is the OAuth introspection response.
type TokenInfo struct {
	Active bool  `json:"active"`
	Exp    int64 `json:"exp"`
}
