package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"anon-chat/internal/models"
)

const pushAppend = "append"

// Watch subscribes to append nudges for conv and calls onAppend for each one
// until ctx is done. Nudges carry no content; callers poll to get it.
func (c *Client) Watch(ctx context.Context, conv Conversation, onAppend func()) error {
	query := url.Values{}
	if conv.IsRoom() {
		query.Set("roomCode", conv.RoomCode)
	} else {
		query.Set("myCode", conv.MyCode)
		query.Set("targetCode", conv.TargetCode)
	}
	target := c.base + "/api/ws?" + query.Encode()
	switch {
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}

	conn, res, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if res != nil {
			return &Error{Kind: classify(res.StatusCode), Code: res.StatusCode, Msg: "websocket handshake", Err: err}
		}
		return &Error{Kind: KindTransient, Msg: "websocket dial", Err: err}
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &Error{Kind: KindTransient, Msg: "websocket read", Err: err}
		}
		var ev models.PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).WithField("bytes", len(data)).Debug("ignoring push frame")
			continue
		}
		if ev.Type == pushAppend {
			onAppend()
		}
	}
}
