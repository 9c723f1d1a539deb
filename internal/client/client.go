// Package client talks to the chat service over HTTP and websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"anon-chat/internal/models"
)

const (
	DefaultTimeout = 25 * time.Second
	DefaultRetries = 2
)

// Conversation addresses either a room or a pair.
type Conversation struct {
	RoomCode   string
	MyCode     string
	TargetCode string
}

// Room addresses a room.
func Room(code string) Conversation {
	return Conversation{RoomCode: models.NormalizeCode(code)}
}

// Pair addresses the pair (my, target) from my side.
func Pair(my, target string) Conversation {
	return Conversation{MyCode: models.NormalizeCode(my), TargetCode: models.NormalizeCode(target)}
}

func (c Conversation) IsRoom() bool { return c.RoomCode != "" }

// ID is the server-side conversation id.
func (c Conversation) ID() string {
	if c.IsRoom() {
		return models.RoomConversationID(c.RoomCode)
	}
	return models.PairConversationID(c.MyCode, c.TargetCode)
}

// Salt is the identifier both parties feed into key derivation.
func (c Conversation) Salt() string {
	if c.IsRoom() {
		return c.RoomCode
	}
	return models.PairID(c.MyCode, c.TargetCode)
}

// Outgoing is one envelope to send.
type Outgoing struct {
	Ciphertext string
	Kind       models.Kind
	Burn       bool
}

// Client calls the /api endpoints. Transient failures are retried.
type Client struct {
	base       string
	http       *http.Client
	retries    uint64
	newBackoff func() backoff.BackOff
	log        *logrus.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithRetries(n uint64) Option {
	return func(c *Client) { c.retries = n }
}

// WithBackoff sets the delay policy between retries of one call.
func WithBackoff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackoff = f }
}

func WithLogger(l *logrus.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a Client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		retries: DefaultRetries,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		log: logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/create-room", nil, nil)
	if err != nil {
		return "", err
	}
	return resp.RoomCode, nil
}

func (c *Client) CreateIdentity(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/create-friend-code", nil, nil)
	if err != nil {
		return "", err
	}
	return resp.FriendCode, nil
}

func (c *Client) Pair(ctx context.Context, myCode, targetCode string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/add-friend", nil, map[string]any{
		"myCode":     models.NormalizeCode(myCode),
		"targetCode": models.NormalizeCode(targetCode),
	})
	return err
}

// Send appends one envelope to a room or a pair.
func (c *Client) Send(ctx context.Context, conv Conversation, msg Outgoing) error {
	body := map[string]any{
		"msg":  msg.Ciphertext,
		"type": string(msg.Kind),
		"burn": msg.Burn,
	}
	path := "/api/send-msg"
	if conv.IsRoom() {
		body["roomCode"] = conv.RoomCode
	} else {
		path = "/api/send-friend-msg"
		body["myCode"], body["targetCode"] = conv.MyCode, conv.TargetCode
	}
	_, err := c.do(ctx, http.MethodPost, path, nil, body)
	return err
}

// Fetch returns the conversation's envelopes in server order.
func (c *Client) Fetch(ctx context.Context, conv Conversation) ([]models.Envelope, error) {
	path, query := "/api/get-msg", url.Values{}
	if conv.IsRoom() {
		query.Set("roomCode", conv.RoomCode)
	} else {
		path = "/api/get-friend-msg"
		query.Set("myCode", conv.MyCode)
		query.Set("targetCode", conv.TargetCode)
	}
	resp, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (models.Response, error) {
	var resp models.Response
	attempt := 0
	op := func() error {
		attempt++
		r, err := c.once(ctx, method, path, query, body)
		if err == nil {
			resp = r
			return nil
		}
		var cerr *Error
		if errors.As(err, &cerr) && cerr.Kind == KindTransient && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), c.retries), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.log.WithError(err).WithFields(logrus.Fields{"path": path, "attempt": attempt, "wait": wait}).Warn("transient failure, retrying")
	})
	if err != nil {
		var cerr *Error
		if !errors.As(err, &cerr) {
			err = &Error{Kind: KindTransient, Code: http.StatusRequestTimeout, Msg: "request cancelled", Err: err}
		}
		return models.Response{}, err
	}
	return resp, nil
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, body any) (models.Response, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return models.Response{}, &Error{Kind: KindBadRequest, Msg: "encode request", Err: err}
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return models.Response{}, &Error{Kind: KindBadRequest, Msg: "build request", Err: err}
	}
	// text/plain keeps browsers from sending a CORS preflight; the server
	// decodes JSON regardless of content type
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	req.Header.Set("Cache-Control", "no-store")

	res, err := c.http.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return models.Response{}, &Error{Kind: KindTransient, Code: http.StatusRequestTimeout, Msg: "request timed out", Err: err}
		}
		return models.Response{}, &Error{Kind: KindTransient, Msg: "connection failed", Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return models.Response{}, &Error{Kind: KindTransient, Code: res.StatusCode, Msg: "read response", Err: err}
	}
	return decodeResponse(res.StatusCode, raw)
}

// decodeResponse turns a raw body into a Response or a typed error. HTML
// bodies come from proxies and gateways, not from the service.
func decodeResponse(status int, raw []byte) (models.Response, error) {
	trimmed := strings.TrimSpace(string(raw))
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		return models.Response{}, &Error{Kind: KindTransient, Code: status, Msg: fmt.Sprintf("gateway error page (%d)", status)}
	}

	var resp models.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		kind := KindFatal
		if status >= 500 {
			kind = classify(status)
		}
		return models.Response{}, &Error{Kind: kind, Code: status, Msg: "invalid JSON response", Err: err}
	}
	if resp.Code == 0 {
		resp.Code = status
	}
	if resp.Code != http.StatusOK {
		return models.Response{}, &Error{Kind: classify(resp.Code), Code: resp.Code, Msg: resp.Msg}
	}
	return resp, nil
}
