package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"anon-chat/internal/db"
	"anon-chat/internal/models"
	"anon-chat/internal/observability"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrSelfPair             = errors.New("cannot pair a code with itself")
	ErrCodeExhausted        = errors.New("no free code after retries")

	errCodeTaken = errors.New("code taken")
)

// ConversationRepository abstracts the ephemeral envelope store.
type ConversationRepository interface {
	CreateRoom(ctx context.Context) (string, error)
	CreateIdentity(ctx context.Context) (string, error)
	Pair(ctx context.Context, myCode, targetCode string) (created bool, err error)
	Append(ctx context.Context, conversationID string, in NewEnvelope) (models.Envelope, error)
	Fetch(ctx context.Context, conversationID string, reader string) ([]models.Envelope, error)
	Exists(ctx context.Context, conversationID string) (bool, error)
}

// NewEnvelope is the caller-supplied part of an envelope.
type NewEnvelope struct {
	Sender     string
	Kind       models.Kind
	Ciphertext string
	Burn       bool
}

// Options tunes lifetimes and bounds of stored conversations.
type Options struct {
	RoomTTL      time.Duration
	PairTTL      time.Duration
	IdentityTTL  time.Duration
	BurnFuse     time.Duration
	BurnLastLook bool
	MaxEnvelopes int
	CodeAttempts int
}

// DefaultOptions mirrors the deployment defaults.
func DefaultOptions() Options {
	return Options{
		RoomTTL:      12 * time.Hour,
		PairTTL:      72 * time.Hour,
		IdentityTTL:  7 * 24 * time.Hour,
		BurnFuse:     30 * time.Second,
		MaxEnvelopes: 50,
		CodeAttempts: 5,
	}
}

// ExpiryHook is told about conversations found past their lifetime.
type ExpiryHook func(ctx context.Context, kind models.ConversationKind, conversationID string)

// ConversationRepo implements ConversationRepository on top of a db.KV.
type ConversationRepo struct {
	kv       db.KV
	clock    clock.Clock
	opts     Options
	codes    CodeGenerator
	log      *logrus.Logger
	tracer   trace.Tracer
	onExpire ExpiryHook
}

// Option customizes a ConversationRepo.
type Option func(*ConversationRepo)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *ConversationRepo) { r.clock = c }
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(g CodeGenerator) Option {
	return func(r *ConversationRepo) { r.codes = g }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(r *ConversationRepo) { r.log = l }
}

// WithExpiryHook registers a callback for lazily detected expiry.
func WithExpiryHook(h ExpiryHook) Option {
	return func(r *ConversationRepo) { r.onExpire = h }
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(kv db.KV, opts Options, options ...Option) *ConversationRepo {
	defaults := DefaultOptions()
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = defaults.RoomTTL
	}
	if opts.PairTTL <= 0 {
		opts.PairTTL = defaults.PairTTL
	}
	if opts.IdentityTTL <= 0 {
		opts.IdentityTTL = defaults.IdentityTTL
	}
	if opts.BurnFuse <= 0 {
		opts.BurnFuse = defaults.BurnFuse
	}
	if opts.MaxEnvelopes <= 0 {
		opts.MaxEnvelopes = defaults.MaxEnvelopes
	}
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = defaults.CodeAttempts
	}

	r := &ConversationRepo{
		kv:     kv,
		clock:  clock.New(),
		opts:   opts,
		codes:  RandomCode,
		log:    logrus.StandardLogger(),
		tracer: otel.Tracer("anon-chat/repositories"),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// CreateRoom allocates a fresh room code with an empty envelope list.
func (r *ConversationRepo) CreateRoom(ctx context.Context) (string, error) {
	return r.allocate(ctx, RoomCodeLength, models.RoomConversationID, func(code string, now time.Time) (any, time.Duration) {
		return models.Conversation{
			ID:        models.RoomConversationID(code),
			Kind:      models.KindRoom,
			CreatedAt: now,
			ExpiresAt: now.Add(r.opts.RoomTTL),
			Envelopes: []models.Envelope{},
		}, r.opts.RoomTTL
	})
}

// CreateIdentity allocates a pairing identity code.
func (r *ConversationRepo) CreateIdentity(ctx context.Context) (string, error) {
	return r.allocate(ctx, IdentityCodeLength, identityKey, func(code string, now time.Time) (any, time.Duration) {
		return models.Identity{
			Code:      code,
			CreatedAt: now,
			ExpiresAt: now.Add(r.opts.IdentityTTL),
		}, r.opts.IdentityTTL
	})
}

// allocate draws codes until one is free, then stores the document built
// for it. Occupied codes are detected inside the same transaction.
func (r *ConversationRepo) allocate(ctx context.Context, length int, keyFor func(string) string, build func(code string, now time.Time) (any, time.Duration)) (string, error) {
	for attempt := 0; attempt < r.opts.CodeAttempts; attempt++ {
		code, err := r.codes(length)
		if err != nil {
			return "", err
		}

		err = r.kv.Update(ctx, keyFor(code), func(cur []byte, found bool) ([]byte, time.Duration, error) {
			now := r.now()
			if found && !r.expired(cur, now) {
				return nil, 0, errCodeTaken
			}
			doc, ttl := build(code, now)
			data, err := encodeDoc(doc)
			return data, ttl, err
		})
		if errors.Is(err, errCodeTaken) {
			observability.IncCodeCollision()
			r.log.WithFields(logrus.Fields{"attempt": attempt + 1, "length": length}).Warn("code collision, retrying")
			continue
		}
		if err != nil {
			observability.IncStoreError("allocate")
			return "", fmt.Errorf("store code: %w", err)
		}
		return code, nil
	}
	return "", ErrCodeExhausted
}

// Pair links two identities. The target must exist; pairing an existing pair
// again is a no-op.
func (r *ConversationRepo) Pair(ctx context.Context, myCode, targetCode string) (bool, error) {
	myCode, targetCode = models.NormalizeCode(myCode), models.NormalizeCode(targetCode)
	if myCode == targetCode {
		return false, ErrSelfPair
	}

	raw, found, err := r.kv.Get(ctx, identityKey(targetCode))
	if err != nil {
		observability.IncStoreError("pair")
		return false, fmt.Errorf("load identity: %w", err)
	}
	if !found || r.expired(raw, r.now()) {
		return false, ErrIdentityNotFound
	}

	created := false
	id := models.PairConversationID(myCode, targetCode)
	err = r.kv.Update(ctx, id, func(cur []byte, found bool) ([]byte, time.Duration, error) {
		created = false
		now := r.now()
		if found && !r.expired(cur, now) {
			return nil, 0, db.ErrUnchanged
		}
		created = true
		data, err := encodeDoc(models.Conversation{
			ID:        id,
			Kind:      models.KindPair,
			CreatedAt: now,
			ExpiresAt: now.Add(r.opts.PairTTL),
			Envelopes: []models.Envelope{},
		})
		return data, r.opts.PairTTL, err
	})
	if err != nil {
		observability.IncStoreError("pair")
		return false, fmt.Errorf("store pair: %w", err)
	}
	return created, nil
}

// Append stores a new envelope, drops the oldest ones beyond the cap and
// extends the conversation's expiry to now+TTL.
func (r *ConversationRepo) Append(ctx context.Context, conversationID string, in NewEnvelope) (models.Envelope, error) {
	ctx, span := r.tracer.Start(ctx, "repo.Append", trace.WithAttributes(attribute.Bool("burn", in.Burn)))
	defer span.End()

	var (
		stored models.Envelope
		state  docState
		kind   models.ConversationKind
	)
	err := r.kv.Update(ctx, conversationID, func(cur []byte, found bool) ([]byte, time.Duration, error) {
		now := r.now()
		conv, st, err := r.load(cur, found, now)
		state, kind = st, conv.Kind
		if err != nil {
			return nil, 0, err
		}
		if st != docLive {
			return nil, 0, nil
		}

		createdAt := now
		if n := len(conv.Envelopes); n > 0 && !createdAt.After(conv.Envelopes[n-1].CreatedAt) {
			createdAt = conv.Envelopes[n-1].CreatedAt.Add(time.Millisecond)
		}
		stored = models.Envelope{
			ID:         uuid.NewString(),
			Sender:     in.Sender,
			CreatedAt:  createdAt,
			Kind:       in.Kind,
			Ciphertext: in.Ciphertext,
			Burn:       in.Burn,
		}
		conv.Envelopes = append(conv.Envelopes, stored)
		if over := len(conv.Envelopes) - r.opts.MaxEnvelopes; over > 0 {
			conv.Envelopes = append([]models.Envelope(nil), conv.Envelopes[over:]...)
		}

		if expiry := now.Add(r.ttlFor(conv.Kind)); expiry.After(conv.ExpiresAt) {
			conv.ExpiresAt = expiry
		}
		data, err := encodeDoc(conv)
		return data, conv.ExpiresAt.Sub(now), err
	})
	if err != nil {
		observability.IncStoreError("append")
		return models.Envelope{}, fmt.Errorf("append to %s: %w", conversationID, err)
	}
	if state != docLive {
		r.missing(ctx, "append", state, kind, conversationID)
		return models.Envelope{}, ErrConversationNotFound
	}

	observability.IncEnvelopeAppended(string(kind))
	return stored, nil
}

// Fetch returns the envelopes of a conversation in ascending createdAt
// order. It starts the burn fuse of envelopes seen for the first time,
// purges envelopes whose fuse has elapsed and marks envelopes read when the
// reader is not their sender. An empty reader marks every envelope read.
func (r *ConversationRepo) Fetch(ctx context.Context, conversationID string, reader string) ([]models.Envelope, error) {
	ctx, span := r.tracer.Start(ctx, "repo.Fetch")
	defer span.End()

	var (
		out           []models.Envelope
		state         docState
		kind          models.ConversationKind
		fused, purged int
	)
	err := r.kv.Update(ctx, conversationID, func(cur []byte, found bool) ([]byte, time.Duration, error) {
		out, fused, purged = nil, 0, 0
		now := r.now()
		conv, st, err := r.load(cur, found, now)
		state, kind = st, conv.Kind
		if err != nil {
			return nil, 0, err
		}
		if st != docLive {
			return nil, 0, nil
		}

		var changed bool
		kept := make([]models.Envelope, 0, len(conv.Envelopes))
		out = make([]models.Envelope, 0, len(conv.Envelopes))
		for _, env := range conv.Envelopes {
			if env.Burn {
				if env.ExpireAt == nil {
					expireAt := now.Add(r.opts.BurnFuse)
					env.ExpireAt = &expireAt
					changed = true
					fused++
				} else if now.After(*env.ExpireAt) {
					changed = true
					purged++
					if r.opts.BurnLastLook {
						out = append(out, env)
					}
					continue
				}
			}
			if !env.Read && (reader == "" || env.Sender != reader) {
				env.Read = true
				changed = true
			}
			kept = append(kept, env)
			out = append(out, env)
		}

		if !changed {
			return nil, 0, db.ErrUnchanged
		}
		conv.Envelopes = kept
		data, err := encodeDoc(conv)
		return data, conv.ExpiresAt.Sub(now), err
	})
	if err != nil {
		observability.IncStoreError("fetch")
		return nil, fmt.Errorf("fetch %s: %w", conversationID, err)
	}
	if state != docLive {
		r.missing(ctx, "fetch", state, kind, conversationID)
		return nil, ErrConversationNotFound
	}

	span.SetAttributes(attribute.Int("envelopes", len(out)), attribute.Int("burn.fused", fused), attribute.Int("burn.purged", purged))
	observability.AddBurnFused(fused)
	observability.AddBurnPurged(purged)
	return out, nil
}

// Exists reports whether a conversation is live without touching its
// envelopes.
func (r *ConversationRepo) Exists(ctx context.Context, conversationID string) (bool, error) {
	raw, found, err := r.kv.Get(ctx, conversationID)
	if err != nil {
		observability.IncStoreError("exists")
		return false, fmt.Errorf("load %s: %w", conversationID, err)
	}
	return found && !r.expired(raw, r.now()), nil
}

type docState int

const (
	docMissing docState = iota
	docExpired
	docLive
)

// load decodes a conversation document. For expired documents only the kind
// is meaningful and the caller deletes them.
func (r *ConversationRepo) load(cur []byte, found bool, now time.Time) (models.Conversation, docState, error) {
	if !found {
		return models.Conversation{}, docMissing, nil
	}
	var conv models.Conversation
	if err := decodeDoc(cur, &conv); err != nil {
		return models.Conversation{}, docMissing, err
	}
	if !now.Before(conv.ExpiresAt) {
		return models.Conversation{Kind: conv.Kind}, docExpired, nil
	}
	return conv, docLive, nil
}

func (r *ConversationRepo) missing(ctx context.Context, op string, state docState, kind models.ConversationKind, conversationID string) {
	observability.IncConversationMissing(op)
	if state != docExpired {
		return
	}
	observability.IncConversationExpired(string(kind))
	r.log.WithFields(logrus.Fields{"conversation": conversationID, "op": op}).Debug("conversation expired")
	if r.onExpire != nil {
		r.onExpire(ctx, kind, conversationID)
	}
}

// expired reports whether a stored document carrying an expiresAt field is
// past its lifetime. Undecodable documents count as expired.
func (r *ConversationRepo) expired(cur []byte, now time.Time) bool {
	var doc struct {
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := decodeDoc(cur, &doc); err != nil {
		return true
	}
	return !now.Before(doc.ExpiresAt)
}

func (r *ConversationRepo) ttlFor(kind models.ConversationKind) time.Duration {
	if kind == models.KindPair {
		return r.opts.PairTTL
	}
	return r.opts.RoomTTL
}

func (r *ConversationRepo) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Millisecond)
}

func identityKey(code string) string {
	return "identity:" + models.NormalizeCode(code)
}

var _ ConversationRepository = (*ConversationRepo)(nil)
