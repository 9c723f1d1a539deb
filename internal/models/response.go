package models

// Response is the JSON body returned by every /api endpoint.
type Response struct {
	Code       int        `json:"code"`
	Msg        string     `json:"msg,omitempty"`
	RoomCode   string     `json:"roomCode,omitempty"`
	FriendCode string     `json:"friendCode,omitempty"`
	Data       []Envelope `json:"data,omitempty"`
}

// PushEvent is sent over websocket connections to nudge polling clients.
type PushEvent struct {
	Type         string `json:"type"`
	Conversation string `json:"conversation"`
}
