package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anon-chat/internal/chatcrypto"
	"anon-chat/internal/client"
	"anon-chat/internal/models"
)

var testCrypto = chatcrypto.New(64)

type fakeTransport struct {
	mu       sync.Mutex
	envs     []models.Envelope
	fetchErr []error
	sendErr  error
	fetches  int
	sent     []client.Outgoing
	gate     chan struct{}
	seq      int
}

func (f *fakeTransport) Fetch(ctx context.Context, conv client.Conversation) ([]models.Envelope, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.fetchErr) > 0 {
		err := f.fetchErr[0]
		f.fetchErr = f.fetchErr[1:]
		return nil, err
	}
	return append([]models.Envelope(nil), f.envs...), nil
}

func (f *fakeTransport) Send(ctx context.Context, conv client.Conversation, msg client.Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	f.seq++
	sender := models.AnonymousSender
	if !conv.IsRoom() {
		sender = conv.MyCode
	}
	f.envs = append(f.envs, models.Envelope{
		ID:         fmt.Sprintf("srv-%d", f.seq),
		Sender:     sender,
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, f.seq, 0, time.UTC),
		Kind:       msg.Kind,
		Ciphertext: msg.Ciphertext,
		Burn:       msg.Burn,
	})
	return nil
}

func (f *fakeTransport) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func seal(t *testing.T, conv client.Conversation, passphrase, plaintext string) string {
	t.Helper()
	key, err := testCrypto.DeriveKey(conv.Salt(), passphrase)
	require.NoError(t, err)
	blob, err := key.Encrypt(plaintext)
	require.NoError(t, err)
	return blob
}

func newTestEngine(tr Transport, cfg Config) (*Engine, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	logger, _ := test.NewNullLogger()
	return NewEngine(tr, testCrypto, cfg, WithClock(mock), WithLogger(logger)), mock
}

// waitFor reads updates until one satisfies pred.
func waitFor(t *testing.T, s *Session, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-s.Updates():
			if !ok {
				snap = s.Snapshot()
				require.True(t, pred(snap), "updates closed in status %s", snap.Status)
				return snap
			}
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("no matching snapshot, last status %s", s.Snapshot().Status)
		}
	}
}

func polling(s Snapshot) bool { return s.Status == StatusPolling }

func TestOpenDecryptsHistory(t *testing.T) {
	conv := client.Room("abc123")
	tr := &fakeTransport{envs: []models.Envelope{
		{ID: "e1", Sender: models.AnonymousSender, Kind: models.KindText, Ciphertext: seal(t, conv, "pw", "hello")},
		{ID: "e2", Sender: models.AnonymousSender, Ciphertext: seal(t, conv, "pw", "data:image/png;base64,AAAA")},
	}}
	e, _ := newTestEngine(tr, Config{})

	s, err := e.Open(context.Background(), conv, "pw")
	require.NoError(t, err)
	defer s.Close()

	snap := waitFor(t, s, polling)
	require.Len(t, snap.Items, 2)
	assert.Equal(t, "hello", snap.Items[0].Plaintext)
	assert.True(t, snap.Items[0].Decrypted)
	assert.Equal(t, Confirmed, snap.Items[0].State)
	assert.Equal(t, models.KindImage, snap.Items[1].Kind, "legacy kind sniffed from plaintext")
	assert.Equal(t, 3*time.Second, snap.Delay)
}

func TestWrongPassphraseThenFix(t *testing.T) {
	conv := client.Pair("AAAAAA", "BBBBBB")
	tr := &fakeTransport{envs: []models.Envelope{
		{ID: "e1", Sender: "BBBBBB", Kind: models.KindText, Ciphertext: seal(t, conv, "right", "hi there")},
	}}
	e, _ := newTestEngine(tr, Config{})

	s, err := e.Open(context.Background(), conv, "wrong")
	require.NoError(t, err)
	defer s.Close()

	snap := waitFor(t, s, polling)
	require.Len(t, snap.Items, 1)
	assert.False(t, snap.Items[0].Decrypted)
	assert.Empty(t, snap.Items[0].Plaintext)
	assert.Zero(t, s.cache.Len(), "failed decryptions are not cached")

	require.NoError(t, s.SetPassphrase("right"))
	snap = waitFor(t, s, func(sn Snapshot) bool {
		return polling(sn) && len(sn.Items) == 1 && sn.Items[0].Decrypted
	})
	assert.Equal(t, "hi there", snap.Items[0].Plaintext)
	assert.False(t, snap.Items[0].Mine)
	assert.Equal(t, 1, s.cache.Len())
}

func TestSetPassphraseDropsCache(t *testing.T) {
	conv := client.Room("abc123")
	tr := &fakeTransport{envs: []models.Envelope{
		{ID: "e1", Ciphertext: seal(t, conv, "pw", "one")},
	}}
	e, _ := newTestEngine(tr, Config{})
	s, err := e.Open(context.Background(), conv, "pw")
	require.NoError(t, err)
	defer s.Close()

	waitFor(t, s, polling)
	assert.Equal(t, 1, s.cache.Len())

	require.NoError(t, s.SetPassphrase("other"))
	snap := waitFor(t, s, polling)
	require.Len(t, snap.Items, 1)
	assert.False(t, snap.Items[0].Decrypted, "cached plaintext must not survive a key change")
	assert.Zero(t, s.cache.Len())
}

func TestBackoffGrowsAndResets(t *testing.T) {
	conv := client.Room("abc123")
	transient := &client.Error{Kind: client.KindTransient, Code: 503}
	tr := &fakeTransport{fetchErr: []error{transient, transient, transient, transient}}
	e, _ := newTestEngine(tr, Config{Floor: time.Second, Step: 2 * time.Second, Cap: 6 * time.Second})

	s, err := e.Open(context.Background(), conv, "pw")
	require.NoError(t, err)
	defer s.Close()

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		want := i + 1
		snap := waitFor(t, s, func(sn Snapshot) bool {
			return sn.Status == StatusBackoff && tr.fetchCount() == want
		})
		delays = append(delays, snap.Delay)
		assert.ErrorIs(t, snap.Err, client.ErrTransient)
		s.PollNow()
	}
	assert.Equal(t, []time.Duration{3 * time.Second, 5 * time.Second, 6 * time.Second, 6 * time.Second}, delays)

	snap := waitFor(t, s, polling)
	assert.Equal(t, time.Second, snap.Delay)
	assert.NoError(t, snap.Err)
}

func TestTimerDrivesPolling(t *testing.T) {
	tr := &fakeTransport{}
	e, mock := newTestEngine(tr, Config{Floor: 3 * time.Second})
	s, err := e.Open(context.Background(), client.Room("abc123"), "pw")
	require.NoError(t, err)
	defer s.Close()

	waitFor(t, s, polling)
	require.Equal(t, 1, tr.fetchCount())

	mock.Add(2 * time.Second)
	assert.Never(t, func() bool { return tr.fetchCount() > 1 }, 50*time.Millisecond, 10*time.Millisecond)

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return tr.fetchCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestNotFoundExpiresSession(t *testing.T) {
	tr := &fakeTransport{fetchErr: []error{&client.Error{Kind: client.KindNotFound, Code: 404, Msg: "conversation not found"}}}
	e, _ := newTestEngine(tr, Config{})
	s, err := e.Open(context.Background(), client.Room("gone00"), "pw")
	require.NoError(t, err)

	snap := waitFor(t, s, func(sn Snapshot) bool { return sn.Status == StatusExpired })
	assert.Empty(t, snap.Items)
	<-s.Done()

	_, err = s.Send("late", models.KindText, false)
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, s.SetPassphrase("x"), ErrExpired)
}

func TestFatalStopsSession(t *testing.T) {
	tr := &fakeTransport{fetchErr: []error{&client.Error{Kind: client.KindFatal, Code: 500, Msg: "storage backend not configured"}}}
	e, _ := newTestEngine(tr, Config{})
	s, err := e.Open(context.Background(), client.Room("abc123"), "pw")
	require.NoError(t, err)

	waitFor(t, s, func(sn Snapshot) bool { return sn.Status == StatusFatal })
	<-s.Done()
	_, err = s.Send("x", "", false)
	assert.ErrorIs(t, err, ErrSessionFatal)
	assert.Equal(t, 1, tr.fetchCount())
}

func TestOptimisticSendReconciles(t *testing.T) {
	conv := client.Pair("AAAAAA", "BBBBBB")
	tr := &fakeTransport{}
	e, _ := newTestEngine(tr, Config{})
	s, err := e.Open(context.Background(), conv, "pw")
	require.NoError(t, err)
	defer s.Close()
	waitFor(t, s, polling)

	localID, err := s.Send("hello bob", "", true)
	require.NoError(t, err)
	assert.NotEmpty(t, localID)

	snap := waitFor(t, s, func(sn Snapshot) bool {
		return polling(sn) && len(sn.Items) == 1 && sn.Items[0].State == Confirmed
	})
	it := snap.Items[0]
	assert.Equal(t, "hello bob", it.Plaintext)
	assert.Equal(t, "srv-1", it.ID)
	assert.True(t, it.Mine)
	assert.True(t, it.Burn)
	assert.Equal(t, models.KindText, it.Kind)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.sent, 1)
	assert.NotContains(t, tr.sent[0].Ciphertext, "hello bob")
}

func TestPendingItemIsVisibleImmediately(t *testing.T) {
	tr := &fakeTransport{}
	e, _ := newTestEngine(tr, Config{})
	s, err := e.Open(context.Background(), client.Room("abc123"), "pw")
	require.NoError(t, err)
	defer s.Close()
	waitFor(t, s, polling)

	tr.mu.Lock()
	_, err = s.Send("queued", models.KindText, false)
	require.NoError(t, err)
	snap := s.Snapshot()
	tr.mu.Unlock()

	require.Len(t, snap.Items, 1)
	assert.Equal(t, Pending, snap.Items[0].State)
	assert.Equal(t, "queued", snap.Items[0].Plaintext)
}

func TestFailedSendReturnsPlaintext(t *testing.T) {
	tr := &fakeTransport{sendErr: &client.Error{Kind: client.KindTransient, Code: 503}}
	var (
		mu       sync.Mutex
		returned []string
	)
	e, _ := newTestEngine(tr, Config{OnSendFailed: func(_, plaintext string) {
		mu.Lock()
		returned = append(returned, plaintext)
		mu.Unlock()
	}})
	s, err := e.Open(context.Background(), client.Room("abc123"), "pw")
	require.NoError(t, err)
	defer s.Close()
	waitFor(t, s, polling)

	localID, err := s.Send("lost words", models.KindText, false)
	require.NoError(t, err)

	snap := waitFor(t, s, func(sn Snapshot) bool {
		return len(sn.Items) == 1 && sn.Items[0].State == Failed
	})
	assert.Equal(t, localID, snap.Items[0].LocalID)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(returned) == 1 && returned[0] == "lost words"
	}, time.Second, 5*time.Millisecond)

	assert.True(t, s.Dismiss(localID))
	assert.Empty(t, s.Snapshot().Items)
	assert.False(t, s.Dismiss(localID))
}

func TestEmptySendRejected(t *testing.T) {
	e, _ := newTestEngine(&fakeTransport{}, Config{})
	s, err := e.Open(context.Background(), client.Room("abc123"), "pw")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Send("", models.KindText, false)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestCloseDiscardsInFlightFetch(t *testing.T) {
	conv := client.Room("abc123")
	gate := make(chan struct{})
	tr := &fakeTransport{gate: gate, envs: []models.Envelope{{ID: "e1", Ciphertext: seal(t, conv, "pw", "late")}}}
	e, _ := newTestEngine(tr, Config{})
	s, err := e.Open(context.Background(), conv, "pw")
	require.NoError(t, err)

	s.Close()
	s.Close()
	close(gate)
	<-s.Done()

	var statuses []Status
	for snap := range s.Updates() {
		statuses = append(statuses, snap.Status)
	}
	assert.Equal(t, []Status{StatusClosed}, statuses)
	assert.Empty(t, s.Snapshot().Items)
	assert.LessOrEqual(t, tr.fetchCount(), 1)
}

func TestContextCancelClosesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e, _ := newTestEngine(&fakeTransport{}, Config{})
	s, err := e.Open(ctx, client.Room("abc123"), "pw")
	require.NoError(t, err)
	waitFor(t, s, polling)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, StatusClosed, s.Snapshot().Status)
}

func TestUnsupportedEnvironmentFailsOpen(t *testing.T) {
	broken := &chatcrypto.Engine{Iterations: 64, Rand: failingReader{}}
	tr := &fakeTransport{}
	e := NewEngine(tr, broken, Config{})

	_, err := e.Open(context.Background(), client.Room("abc123"), "pw")
	assert.ErrorIs(t, err, chatcrypto.ErrUnsupportedEnvironment)
	assert.Zero(t, tr.fetchCount())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestCacheKeyFallsBackToContentHash(t *testing.T) {
	a := cacheKey(models.Envelope{Ciphertext: "abc"})
	b := cacheKey(models.Envelope{Ciphertext: "abd"})
	assert.NotEqual(t, a, b)
	assert.Equal(t, "id:e1", cacheKey(models.Envelope{ID: "e1", Ciphertext: "abc"}))
}

func TestOpenStartsKeyReady(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{gate: gate}
	e, _ := newTestEngine(tr, Config{})
	s, err := e.Open(context.Background(), client.Room("abc123"), "pw")
	require.NoError(t, err)
	defer func() {
		s.Close()
		close(gate)
	}()

	snap := <-s.Updates()
	assert.Equal(t, StatusKeyReady, snap.Status)
	assert.NotEqual(t, StatusIdle, s.Snapshot().Status)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "backoff", StatusBackoff.String())
	assert.Equal(t, "expired", StatusExpired.String())
	assert.Equal(t, "failed", Failed.String())
}
