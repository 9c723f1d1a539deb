package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"anon-chat/internal/models"
	"anon-chat/internal/repositories"
	"anon-chat/internal/telemetry"
)

func TestCreateFriendCodeSuccess(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.On("CreateIdentity", mock.Anything).Return("ABCDEFGH", nil).Once()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	rec, resp := f.do(http.MethodPost, "/api/create-friend-code", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABCDEFGH", resp["friendCode"])
	assert.Equal(t, []string{telemetry.EventIdentityCreated}, f.publisher.EventTypes())
	f.assertAll(t)
}

func TestAddFriendCreatesPair(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.On("Pair", mock.Anything, "AAAAAAAA", "BBBBBBBB").Return(true, nil).Once()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	rec, resp := f.do(http.MethodPost, "/api/add-friend", `{"myCode":"aaaaaaaa","targetCode":"BBBBBBBB"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(200), resp["code"])
	assert.Equal(t, []string{telemetry.EventPairCreated}, f.publisher.EventTypes())
	f.assertAll(t)
}

func TestAddFriendTwiceIsNoop(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.On("Pair", mock.Anything, "BBBBBBBB", "AAAAAAAA").Return(false, nil).Once()

	rec, _ := f.do(http.MethodPost, "/api/add-friend", `{"myCode":"BBBBBBBB","targetCode":"AAAAAAAA"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.publisher.EventTypes())
	f.assertAll(t)
}

func TestAddFriendUnknownTarget(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.On("Pair", mock.Anything, "AAAAAAAA", "ZZZZZZZZ").Return(false, repositories.ErrIdentityNotFound).Once()

	rec, resp := f.do(http.MethodPost, "/api/add-friend", `{"myCode":"AAAAAAAA","targetCode":"ZZZZZZZZ"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, float64(404), resp["code"])
}

func TestAddFriendSelf(t *testing.T) {
	f := newFixture(t, 0)

	rec, _ := f.do(http.MethodPost, "/api/add-friend", `{"myCode":"AAAAAAAA","targetCode":"aaaaaaaa"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	f.repo.AssertNotCalled(t, "Pair", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendFriendMessageSuccess(t *testing.T) {
	f := newFixture(t, 0)
	pairID := models.PairConversationID("AAAAAAAA", "BBBBBBBB")
	f.repo.On("Append", mock.Anything, pairID, repositories.NewEnvelope{
		Sender:     "AAAAAAAA",
		Kind:       models.KindAudio,
		Ciphertext: "c-voice",
	}).Return(models.Envelope{ID: "e1"}, nil).Once()
	f.hub.On("Notify", pairID).Once()

	rec, _ := f.do(http.MethodPost, "/api/send-friend-msg", `{"myCode":"AAAAAAAA","targetCode":"BBBBBBBB","msg":"c-voice","type":"audio"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	f.assertAll(t)
}

func TestSendFriendMessageUnpaired(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(models.Envelope{}, repositories.ErrConversationNotFound).Once()

	rec, resp := f.do(http.MethodPost, "/api/send-friend-msg", `{"myCode":"AAAAAAAA","targetCode":"BBBBBBBB","msg":"c"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, float64(404), resp["code"])
	f.hub.AssertNotCalled(t, "Notify", mock.Anything)
}

func TestGetFriendMessagesUsesCallerAsReader(t *testing.T) {
	f := newFixture(t, 0)
	pairID := models.PairConversationID("AAAAAAAA", "BBBBBBBB")
	f.repo.On("Fetch", mock.Anything, pairID, "BBBBBBBB").Return([]models.Envelope{
		{ID: "e1", Sender: "AAAAAAAA", Kind: models.KindText, Ciphertext: "c-hello", Read: true},
	}, nil).Once()

	rec, resp := f.do(http.MethodGet, "/api/get-friend-msg?myCode=bbbbbbbb&targetCode=AAAAAAAA", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := resp["data"].([]any)
	require.Len(t, data, 1)
	env := data[0].(map[string]any)
	assert.Equal(t, "AAAAAAAA", env["sender"])
	assert.Equal(t, true, env["read"])
	f.assertAll(t)
}

func TestGetFriendMessagesMissingCodes(t *testing.T) {
	f := newFixture(t, 0)
	rec, _ := f.do(http.MethodGet, "/api/get-friend-msg?myCode=AAAAAAAA", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
