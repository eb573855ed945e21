package models

// Peer is one roster entry as tracked by a client.
type Peer struct {
	Username string `json:"username"`
	Chatting bool   `json:"chatting"`
}
