package ws

import "time"

type ConnInfo struct {
	ConnID       string
	Conversation string
	IP           string
	RequestID    string
	TraceID      string
	ConnectedAt  time.Time
}
