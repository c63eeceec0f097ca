package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/pkg/auth"
	"chatsync/pkg/config"
	"chatsync/pkg/models"
	"chatsync/pkg/notify"
	"chatsync/pkg/store"
)

type testEnv struct {
	srv  *Server
	http *httptest.Server
	st   *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Security.RateLimit.RPS = 1000
	cfg.Security.RateLimit.Burst = 1000

	tokens := auth.NewTokenIssuer("test-secret", "chatsync-test", time.Hour)
	authSvc := auth.NewService(st, tokens)
	srv := NewServer(authSvc, st, notify.NewRegistrar(st), cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		_ = st.Close()
	})
	return &testEnv{srv: srv, http: ts, st: st}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (e *testEnv) register(t *testing.T, username, password string) models.User {
	t.Helper()
	var u models.User
	resp := e.do(t, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"username": username, "email": username + "@example.com", "password": password,
	}, &u)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return u
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	var out struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	resp := e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": username, "password": password,
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"username": "", "password": "",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	e.register(t, "alice", "hunter2")
	resp = e.do(t, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"username": "alice", "email": "dup@example.com", "password": "other",
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLoginFailures(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice", "hunter2")

	resp := e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/v1/conversations", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/conversations", "bogus-token", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutInvalidatesSession(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice", "hunter2")
	token := e.login(t, "alice", "hunter2")

	resp := e.do(t, http.MethodPost, "/v1/auth/logout", token, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/conversations", token, nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSelfChatFlow(t *testing.T) {
	e := newTestEnv(t)
	u := e.register(t, "alice", "hunter2")
	token := e.login(t, "alice", "hunter2")

	var c models.Conversation
	resp := e.do(t, http.MethodPost, "/v1/conversations/self", token, nil, &c)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, c.IsSelfChat)
	require.Equal(t, []string{u.ID, u.ID}, c.ParticipantIDs)
	require.Equal(t, "Send a message to yourself", c.LastMessageText)

	// idempotent
	var again models.Conversation
	resp = e.do(t, http.MethodPost, "/v1/conversations/self", token, nil, &again)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, c.ID, again.ID)

	// send a message to yourself
	var m models.Message
	resp = e.do(t, http.MethodPost, fmt.Sprintf("/v1/conversations/%s/messages", c.ID), token,
		map[string]string{"text": "note to self"}, &m)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, u.ID, m.SenderID)

	var listing struct {
		Messages []models.Message `json:"messages"`
	}
	resp = e.do(t, http.MethodGet, fmt.Sprintf("/v1/conversations/%s/messages", c.ID), token, nil, &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listing.Messages, 1)
	require.Equal(t, "note to self", listing.Messages[0].Text)
}

func TestDirectConversationFlow(t *testing.T) {
	e := newTestEnv(t)
	alice := e.register(t, "alice", "pw-alice")
	bob := e.register(t, "bob", "pw-bob")
	aliceTok := e.login(t, "alice", "pw-alice")
	bobTok := e.login(t, "bob", "pw-bob")

	var created struct {
		models.Conversation
		Created bool `json:"created"`
	}
	resp := e.do(t, http.MethodPost, "/v1/conversations", aliceTok,
		map[string]string{"peer_id": bob.ID}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, created.Created)
	require.ElementsMatch(t, []string{alice.ID, bob.ID}, created.ParticipantIDs)

	// bob asking for the same pair gets the existing conversation
	var found struct {
		models.Conversation
		Created bool `json:"created"`
	}
	resp = e.do(t, http.MethodPost, "/v1/conversations", bobTok,
		map[string]string{"peer_id": alice.ID}, &found)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, found.Created)
	require.Equal(t, created.ID, found.ID)

	// messages flow both ways and order oldest-first
	convPath := fmt.Sprintf("/v1/conversations/%s/messages", created.ID)
	resp = e.do(t, http.MethodPost, convPath, aliceTok, map[string]string{"text": "hi bob"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = e.do(t, http.MethodPost, convPath, bobTok, map[string]string{"text": "hi alice"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var listing struct {
		Messages []models.Message `json:"messages"`
	}
	resp = e.do(t, http.MethodGet, convPath, aliceTok, nil, &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listing.Messages, 2)
	require.Equal(t, "hi bob", listing.Messages[0].Text)
	require.Equal(t, "hi alice", listing.Messages[1].Text)

	// limit keeps the newest messages
	resp = e.do(t, http.MethodGet, convPath+"?limit=1", aliceTok, nil, &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listing.Messages, 1)
	require.Equal(t, "hi alice", listing.Messages[0].Text)

	// the conversation list is ordered by recency
	var convs struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	resp = e.do(t, http.MethodGet, "/v1/conversations", aliceTok, nil, &convs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, convs.Conversations, 1)
	require.Equal(t, "hi alice", convs.Conversations[0].LastMessageText)
}

func TestMessageAccessControl(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice", "pw-alice")
	bob := e.register(t, "bob", "pw-bob")
	e.register(t, "mallory", "pw-mallory")
	aliceTok := e.login(t, "alice", "pw-alice")
	malloryTok := e.login(t, "mallory", "pw-mallory")

	var c models.Conversation
	resp := e.do(t, http.MethodPost, "/v1/conversations", aliceTok,
		map[string]string{"peer_id": bob.ID}, &c)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	path := fmt.Sprintf("/v1/conversations/%s/messages", c.ID)
	resp = e.do(t, http.MethodGet, path, malloryTok, nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(t, http.MethodPost, path, malloryTok, map[string]string{"text": "psst"}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/conversations/c-unknown/messages", aliceTok, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppendRejectsEmptyText(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice", "hunter2")
	token := e.login(t, "alice", "hunter2")

	var c models.Conversation
	e.do(t, http.MethodPost, "/v1/conversations/self", token, nil, &c)

	path := fmt.Sprintf("/v1/conversations/%s/messages", c.ID)
	resp := e.do(t, http.MethodPost, path, token, map[string]string{"text": "   "}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var listing struct {
		Messages []models.Message `json:"messages"`
	}
	e.do(t, http.MethodGet, path, token, nil, &listing)
	require.Empty(t, listing.Messages)
}

func TestDeviceToken(t *testing.T) {
	e := newTestEnv(t)
	alice := e.register(t, "alice", "pw-alice")
	bob := e.register(t, "bob", "pw-bob")
	aliceTok := e.login(t, "alice", "pw-alice")

	resp := e.do(t, http.MethodPut, "/v1/users/"+alice.ID+"/device-token", aliceTok,
		map[string]string{"token": "fcm-123"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	u, err := e.st.GetUser(alice.ID)
	require.NoError(t, err)
	require.Equal(t, "fcm-123", u.DeviceToken)

	// cannot set another user's token
	resp = e.do(t, http.MethodPut, "/v1/users/"+bob.ID+"/device-token", aliceTok,
		map[string]string{"token": "stolen"}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetUserReportsPresence(t *testing.T) {
	e := newTestEnv(t)
	alice := e.register(t, "alice", "pw-alice")
	tok := e.login(t, "alice", "pw-alice")

	var out struct {
		models.User
		Online bool `json:"online"`
	}
	resp := e.do(t, http.MethodGet, "/v1/users/"+alice.ID, tok, nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, out.Online, "just signed in, should be online")

	resp = e.do(t, http.MethodGet, "/v1/users/u-missing", tok, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
