// Package api exposes the sync core over HTTP: REST endpoints for auth,
// conversations and messages, and a websocket endpoint streaming live
// snapshots.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chatsync/pkg/auth"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/notify"
	"chatsync/pkg/store"
	chatsync "chatsync/pkg/sync"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/utils"
	"chatsync/pkg/validation"
)

// Server bundles the service dependencies for the HTTP layer. It is built
// once by the composition root; nothing here is package-global.
type Server struct {
	auth      *auth.Service
	st        *store.Store
	directory *chatsync.Directory
	messages  *chatsync.MessageLog
	registrar *notify.Registrar
	cfg       *config.Config
}

// NewServer wires the HTTP layer. The directory and message log passed
// here serve one-shot REST reads and writes; live websocket subscriptions
// get their own per-connection instances.
func NewServer(a *auth.Service, st *store.Store, reg *notify.Registrar, cfg *config.Config) *Server {
	return &Server{
		auth:      a,
		st:        st,
		directory: chatsync.NewDirectory(st),
		messages:  chatsync.NewMessageLog(st),
		registrar: reg,
		cfg:       cfg,
	}
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.st.Ready() {
			utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", telemetry.Handler())

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	v1.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)

	authed := v1.NewRoute().Subrouter()
	authed.Use(s.auth.Require)
	authed.HandleFunc("/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	authed.HandleFunc("/users/{id}/device-token", s.handleDeviceToken).Methods(http.MethodPut)
	authed.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	authed.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/self", s.handleCreateSelfChat).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	authed.HandleFunc("/conversations/{id}/messages", s.handleAppendMessage).Methods(http.MethodPost)
	authed.HandleFunc("/sync", s.handleSync).Methods(http.MethodGet)

	var h http.Handler = r
	h = s.corsMiddleware(h)
	h = auth.RateLimit(auth.LimiterConfig{
		RPS:   s.cfg.Security.RateLimit.RPS,
		Burst: s.cfg.Security.RateLimit.Burst,
	}, h)
	h = telemetry.Middleware(h)
	return h
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := s.cfg.Security.CORS.AllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, a := range allowed {
				if a == "*" || a == origin {
					w.Header().Set("Access-Control-Allow-Origin", a)
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					break
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	u, err := s.auth.SignUp(req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			utils.JSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, validation.ErrEmptyCredentials):
			utils.JSONError(w, http.StatusBadRequest, err.Error())
		default:
			logger.Error("register_failed", "error", err)
			utils.JSONError(w, http.StatusInternalServerError, "failed to create user")
		}
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	token, u, err := s.auth.SignIn(req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			utils.JSONError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, validation.ErrEmptyCredentials):
			utils.JSONError(w, http.StatusBadRequest, err.Error())
		default:
			logger.Error("login_failed", "error", err)
			utils.JSONError(w, http.StatusInternalServerError, "sign-in failed")
		}
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}{Token: token, User: u})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token == "" {
		utils.JSONError(w, http.StatusUnauthorized, "missing session token")
		return
	}
	if err := s.auth.SignOut(token); err != nil {
		utils.JSONError(w, http.StatusUnauthorized, "invalid session token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	u, err := s.st.GetUser(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "user not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		models.User
		Online bool `json:"online"`
	}{User: u, Online: u.Online(time.Now())})
}

func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id != auth.UserIDFromContext(r.Context()) {
		utils.JSONError(w, http.StatusForbidden, "cannot update another user's device token")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		utils.JSONError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.registrar.RegisterDeviceToken(id, req.Token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "user not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	convs, err := s.directory.List(userID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Conversations []models.Conversation `json:"conversations"`
	}{Conversations: convs})
}

func (s *Server) handleCreateSelfChat(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	c, err := s.directory.CreateSelfChat(userID)
	if err != nil {
		logger.Error("create_self_chat_failed", "user", userID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, c)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		utils.JSONError(w, http.StatusBadRequest, "peer_id is required")
		return
	}
	c, created, err := s.directory.CreateDirect(userID, req.PeerID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	_ = utils.JSONWrite(w, status, struct {
		models.Conversation
		Created bool `json:"created"`
	}{Conversation: c, Created: created})
}

func (s *Server) requireParticipant(w http.ResponseWriter, r *http.Request, convID string) (string, bool) {
	userID := auth.UserIDFromContext(r.Context())
	c, err := s.st.GetConversation(convID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "conversation not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return "", false
	}
	if !c.HasParticipant(userID) {
		utils.JSONError(w, http.StatusForbidden, "not a participant")
		return "", false
	}
	return userID, true
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	if _, ok := s.requireParticipant(w, r, convID); !ok {
		return
	}
	msgs, err := s.messages.List(convID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		if lim, err := strconv.Atoi(limStr); err == nil && lim >= 0 && lim < len(msgs) {
			msgs = msgs[len(msgs)-lim:]
		}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		ConversationID string           `json:"conversation_id"`
		Messages       []models.Message `json:"messages"`
	}{ConversationID: convID, Messages: msgs})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	userID, ok := s.requireParticipant(w, r, convID)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	m, err := s.messages.Append(req.Text, userID, convID)
	if err != nil {
		if errors.Is(err, validation.ErrEmptyText) {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

// Close releases the REST-side directory and message log.
func (s *Server) Close() {
	s.directory.Close()
	s.messages.Close()
}
