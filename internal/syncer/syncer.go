// Package syncer keeps a decrypted, continuously refreshed view of one
// conversation and reconciles optimistic sends with the server's copy.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"anon-chat/internal/chatcrypto"
	"anon-chat/internal/client"
	"anon-chat/internal/models"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrExpired      = errors.New("conversation expired")
	ErrSessionFatal = errors.New("session failed")
	ErrEmptyMessage = errors.New("empty message")
)

// Transport is the network side of a Session.
type Transport interface {
	Send(ctx context.Context, conv client.Conversation, msg client.Outgoing) error
	Fetch(ctx context.Context, conv client.Conversation) ([]models.Envelope, error)
}

// Config tunes polling and caching.
type Config struct {
	// Floor is the polling delay while fetches succeed.
	Floor time.Duration
	// Step is added to the delay after each failed fetch, up to Cap.
	Step time.Duration
	Cap  time.Duration
	// CacheSize bounds the decrypted-content cache.
	CacheSize      int
	DecryptWorkers int
	// OnSendFailed receives the plaintext of a send that did not reach the
	// server so it can go back into the input buffer.
	OnSendFailed func(localID, plaintext string)
}

// DefaultConfig polls every 3s and backs off to 30s.
func DefaultConfig() Config {
	return Config{
		Floor:          3 * time.Second,
		Step:           3 * time.Second,
		Cap:            30 * time.Second,
		CacheSize:      512,
		DecryptWorkers: runtime.NumCPU(),
	}
}

// Engine opens Sessions.
type Engine struct {
	transport Transport
	crypto    *chatcrypto.Engine
	cfg       Config
	clock     clock.Clock
	log       *logrus.Logger
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine builds an Engine. Zero Config fields take DefaultConfig values.
func NewEngine(transport Transport, crypto *chatcrypto.Engine, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Floor <= 0 {
		cfg.Floor = def.Floor
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.Cap < cfg.Floor {
		cfg.Cap = max(def.Cap, cfg.Floor)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.DecryptWorkers <= 0 {
		cfg.DecryptWorkers = def.DecryptWorkers
	}
	e := &Engine{
		transport: transport,
		crypto:    crypto,
		cfg:       cfg,
		clock:     clock.New(),
		log:       logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Session is the state of one open conversation. It owns exactly one
// polling loop, stopped by Close.
type Session struct {
	conv      client.Conversation
	me        string
	transport Transport
	crypto    *chatcrypto.Engine
	cfg       Config
	clock     clock.Clock
	log       *logrus.Entry
	ctx       context.Context

	mu        sync.Mutex
	status    Status
	delay     time.Duration
	key       *chatcrypto.Key
	epoch     uint64
	fetchGen  uint64
	confirmed []Item
	pending   []*pendingSend
	lastErr   error
	cache     *lru.Cache
	updates   chan Snapshot

	timer   *clock.Timer
	pollNow chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// Open derives the conversation key and starts polling. It fails before any
// network activity when key derivation is impossible.
func (e *Engine) Open(ctx context.Context, conv client.Conversation, passphrase string) (*Session, error) {
	key, err := e.crypto.DeriveKey(conv.Salt(), passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	cache, err := lru.New(e.cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("decrypt cache: %w", err)
	}

	me := models.AnonymousSender
	if !conv.IsRoom() {
		me = conv.MyCode
	}
	s := &Session{
		conv:      conv,
		me:        me,
		transport: e.transport,
		crypto:    e.crypto,
		cfg:       e.cfg,
		clock:     e.clock,
		log:       e.log.WithField("conversation", conv.ID()),
		ctx:       ctx,
		status:    StatusKeyReady,
		delay:     e.cfg.Floor,
		key:       key,
		cache:     cache,
		updates:   make(chan Snapshot, 1),
		pollNow:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	s.timer = s.clock.Timer(s.cfg.Floor)
	s.timer.Stop()

	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()

	go s.run()
	return s, nil
}

// Conversation returns the conversation this session watches.
func (s *Session) Conversation() client.Conversation { return s.conv }

// Updates delivers snapshots, latest first: a slow reader only misses
// intermediate states. The channel is closed once the session ends.
func (s *Session) Updates() <-chan Snapshot { return s.updates }

// Done is closed when the polling loop has exited.
func (s *Session) Done() <-chan struct{} { return s.stopped }

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// PollNow schedules an immediate fetch.
func (s *Session) PollNow() {
	select {
	case s.pollNow <- struct{}{}:
	default:
	}
}

func (s *Session) run() {
	defer close(s.stopped)
	defer s.timer.Stop()

	if !s.cycle() {
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case <-s.pollNow:
			s.timer.Stop()
		case <-s.timer.C:
		}
		if !s.cycle() {
			return
		}
	}
}

// cycle runs one fetch-decrypt-apply round. It reports whether the loop
// should continue.
func (s *Session) cycle() bool {
	s.mu.Lock()
	if s.status.terminal() {
		s.mu.Unlock()
		return false
	}
	key, epoch := s.key, s.epoch
	s.fetchGen++
	gen := s.fetchGen
	s.mu.Unlock()

	envs, err := s.transport.Fetch(s.ctx, s.conv)
	if err != nil {
		return s.fetchFailed(err)
	}

	items, fresh, err := s.decryptAll(key, envs)
	if err != nil {
		return s.fetchFailed(err)
	}
	return s.apply(epoch, gen, items, fresh)
}

// decryptAll opens every envelope not already cached. All decryptions finish
// before anything becomes visible.
func (s *Session) decryptAll(key *chatcrypto.Key, envs []models.Envelope) ([]Item, map[string]string, error) {
	plain := make([]string, len(envs))
	ok := make([]bool, len(envs))
	hit := make([]bool, len(envs))

	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(s.cfg.DecryptWorkers)
	for i := range envs {
		if v, found := s.cache.Get(cacheKey(envs[i])); found {
			plain[i], ok[i], hit[i] = v.(string), true, true
			continue
		}
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			plain[i], ok[i] = key.Decrypt(envs[i].Ciphertext)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	fresh := make(map[string]string)
	items := make([]Item, len(envs))
	for i, env := range envs {
		if ok[i] && !hit[i] {
			fresh[cacheKey(env)] = plain[i]
		}
		items[i] = s.confirmedItem(env, plain[i], ok[i])
	}
	return items, fresh, nil
}

func (s *Session) confirmedItem(env models.Envelope, plaintext string, ok bool) Item {
	kind := env.Kind
	if kind == "" && ok {
		kind = models.SniffKind(plaintext)
	}
	if kind == "" {
		kind = models.KindText
	}
	return Item{
		State:      Confirmed,
		ID:         env.ID,
		Sender:     env.Sender,
		Mine:       !s.conv.IsRoom() && env.Sender == s.me,
		CreatedAt:  env.CreatedAt,
		Kind:       kind,
		Plaintext:  plaintext,
		Decrypted:  ok,
		Burn:       env.Burn,
		ExpireAt:   env.ExpireAt,
		Read:       env.Read,
		ciphertext: env.Ciphertext,
	}
}

// cacheKey prefers the envelope id and falls back to a content hash for
// legacy envelopes stored without one.
func cacheKey(env models.Envelope) string {
	if env.ID != "" {
		return "id:" + env.ID
	}
	sum := sha256.Sum256([]byte(env.Ciphertext))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (s *Session) apply(epoch, gen uint64, items []Item, fresh map[string]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return false
	}
	if s.epoch != epoch {
		// decrypted under a replaced key
		s.timer.Reset(s.delay)
		return true
	}

	for k, v := range fresh {
		s.cache.Add(k, v)
	}
	s.confirmed = items
	s.reconcileLocked(gen)
	s.delay = s.cfg.Floor
	s.status = StatusPolling
	s.lastErr = nil
	s.timer.Reset(s.delay)
	s.publishLocked()
	return true
}

// reconcileLocked drops sent entries once the server copy is visible, or
// once a fetch started after the send completed has been applied.
func (s *Session) reconcileLocked(gen uint64) {
	seen := make(map[string]struct{}, len(s.confirmed))
	for _, it := range s.confirmed {
		seen[it.ciphertext] = struct{}{}
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.state == sent {
			if _, ok := seen[p.ciphertext]; ok || gen > p.sentGen {
				continue
			}
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
}

func (s *Session) fetchFailed(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return false
	}
	s.lastErr = err

	switch {
	case s.ctx.Err() != nil:
		s.terminateLocked(StatusClosed)
		return false
	case errors.Is(err, client.ErrNotFound):
		s.log.Info("conversation expired")
		s.terminateLocked(StatusExpired)
		return false
	case errors.Is(err, client.ErrFatal), errors.Is(err, client.ErrBadRequest):
		s.log.WithError(err).Error("sync stopped")
		s.terminateLocked(StatusFatal)
		return false
	}

	s.delay = min(s.delay+s.cfg.Step, s.cfg.Cap)
	s.status = StatusBackoff
	s.log.WithError(err).WithField("delay", s.delay).Warn("fetch failed, backing off")
	s.timer.Reset(s.delay)
	s.publishLocked()
	return true
}

// Send shows plaintext immediately as a pending item and delivers it in the
// background. It returns the local id of the pending item.
func (s *Session) Send(plaintext string, kind models.Kind, burn bool) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyMessage
	}
	if kind == "" {
		kind = models.KindText
	}

	s.mu.Lock()
	if s.status.terminal() {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		return "", err
	}
	p := &pendingSend{
		localID:   uuid.NewString(),
		plaintext: plaintext,
		kind:      kind,
		burn:      burn,
		createdAt: s.clock.Now(),
	}
	s.pending = append(s.pending, p)
	key := s.key
	s.publishLocked()
	s.mu.Unlock()

	go s.deliver(p, key)
	return p.localID, nil
}

func (s *Session) deliver(p *pendingSend, key *chatcrypto.Key) {
	blob, err := key.Encrypt(p.plaintext)
	if err == nil {
		err = s.transport.Send(s.ctx, s.conv, client.Outgoing{Ciphertext: blob, Kind: p.kind, Burn: p.burn})
	}

	s.mu.Lock()
	if s.status.terminal() {
		s.mu.Unlock()
		return
	}
	if err != nil {
		p.state, p.err = sendFailed, err
		s.log.WithError(err).WithField("local_id", p.localID).Warn("send failed")
		s.publishLocked()
		hook := s.cfg.OnSendFailed
		s.mu.Unlock()
		if hook != nil {
			hook(p.localID, p.plaintext)
		}
		return
	}
	p.state, p.ciphertext, p.sentGen = sent, blob, s.fetchGen
	s.publishLocked()
	s.mu.Unlock()
	s.PollNow()
}

// Dismiss removes a failed item from the visible list.
func (s *Session) Dismiss(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.localID == localID && p.state == sendFailed {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.publishLocked()
			return true
		}
	}
	return false
}

// SetPassphrase re-derives the key. Everything decrypted under the old key
// is dropped and the list is refilled by an immediate fetch.
func (s *Session) SetPassphrase(passphrase string) error {
	key, err := s.crypto.DeriveKey(s.conv.Salt(), passphrase)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}

	s.mu.Lock()
	if s.status.terminal() {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		return err
	}
	s.key = key
	s.epoch++
	s.cache.Purge()
	s.confirmed = nil
	s.status = StatusKeyReady
	s.publishLocked()
	s.mu.Unlock()

	s.PollNow()
	return nil
}

// Close stops polling. Responses still in flight are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked(StatusClosed)
}

func (s *Session) terminateLocked(status Status) {
	if s.status.terminal() {
		return
	}
	s.status = status
	s.epoch++
	s.key = nil
	s.cache.Purge()
	s.confirmed = nil
	s.pending = nil
	close(s.done)
	s.publishLocked()
	close(s.updates)
}

func (s *Session) terminalErrLocked() error {
	switch s.status {
	case StatusExpired:
		return ErrExpired
	case StatusFatal:
		if s.lastErr != nil {
			return fmt.Errorf("%w: %v", ErrSessionFatal, s.lastErr)
		}
		return ErrSessionFatal
	default:
		return ErrClosed
	}
}

func (s *Session) snapshotLocked() Snapshot {
	items := make([]Item, 0, len(s.confirmed)+len(s.pending))
	items = append(items, s.confirmed...)
	for _, p := range s.pending {
		items = append(items, p.item(s.me))
	}
	return Snapshot{
		Conversation: s.conv,
		Status:       s.status,
		Delay:        s.delay,
		Items:        items,
		Err:          s.lastErr,
	}
}

// publishLocked replaces any unread snapshot with the current one.
func (s *Session) publishLocked() {
	snap := s.snapshotLocked()
	select {
	case <-s.updates:
	default:
	}
	s.updates <- snap
}
