package liveserver

import "time"

// Message types pushed to stream subscribers
const (
	TypeCycle  = "cycle"
	TypeTrade  = "trade"
	TypeEquity = "equity"
	TypeStatus = "status"
)

// Message is one event on the live stream
type Message struct {
	Type    string      `json:"type"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}
