// Package api provides the HTTP API for the server: credential issuance,
// agent and conversation management, chat history, uploads, and the relay
// stream endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jfld/openclaw-man/auth"
	"github.com/jfld/openclaw-man/config"
	"github.com/jfld/openclaw-man/history"
	"github.com/jfld/openclaw-man/relay"
	"github.com/jfld/openclaw-man/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	verifier     auth.Verifier
	authSvc      *auth.Service // nil when tokens are issued externally
	weapp        *auth.WeappClient
	history      *history.Service
	relay        *relay.Server
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	upload       config.UploadConfig
	authRL       *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, verifier auth.Verifier, authSvc *auth.Service, weapp *auth.WeappClient, hist *history.Service, rly *relay.Server, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		verifier:     verifier,
		authSvc:      authSvc,
		weapp:        weapp,
		history:      hist,
		relay:        rly,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		upload:       cfg.Upload,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Relay stream (auth handled inside the handshake)
	mux.Get("/ocms/v1/stream", rly.HandleStream)

	// Token endpoints only exist when tokens are issued locally.
	if authSvc != nil {
		srv.authRL = newRateLimiter(5, 10)
		mux.Group(func(r chi.Router) {
			r.Use(ipRateLimitMiddleware(srv.authRL))
			r.Post("/ocms/auth/weapp/token", srv.handleWeappToken)
			r.Post("/ocms/auth/refresh", srv.handleRefresh)
			r.Post("/ocms/auth/login", srv.handleLogin)
		})
	}

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(userRateLimitMiddleware(srv.rl))

		r.Get("/ocms/me", srv.handleGetMe)

		r.Post("/ocms/robots", srv.handleCreateRobot)
		r.Get("/ocms/robots", srv.handleListRobots)
		r.Get("/ocms/robots/{robotID}", srv.handleGetRobot)
		r.Put("/ocms/robots/{robotID}", srv.handleUpdateRobot)
		r.Delete("/ocms/robots/{robotID}", srv.handleDeleteRobot)

		r.Post("/ocms/conversations", srv.handleCreateConversation)
		r.Get("/ocms/conversations", srv.handleListConversations)
		r.Get("/ocms/conversations/{conversationID}", srv.handleGetConversation)
		r.Put("/ocms/conversations/{conversationID}", srv.handleUpdateConversation)
		r.Delete("/ocms/conversations/{conversationID}", srv.handleDeleteConversation)

		r.Get("/ocms/history", srv.handleGetHistory)
		r.Delete("/ocms/history", srv.handleClearHistory)

		if cfg.Upload.IsEnabled() {
			r.Post("/ocms/upload", srv.handleUpload)
			r.Get("/ocms/uploads/{userID}/{name}", srv.handleDownload)
		}
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.authRL != nil {
		s.authRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleWeappToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Code     string `json:"code"`
		Nickname string `json:"nickname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	sess, err := s.weapp.Exchange(r.Context(), req.Code)
	if err != nil {
		s.logger.Warn("weapp code exchange failed", "error", err)
		writeError(w, http.StatusUnauthorized, "login code rejected")
		return
	}

	user, err := s.store.GetUserByOpenID(r.Context(), sess.OpenID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if user == nil {
		now := time.Now()
		user = &store.User{
			ID:        uuid.New().String(),
			OpenID:    sess.OpenID,
			UnionID:   sess.UnionID,
			Nickname:  req.Nickname,
			Role:      "user",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateUser(r.Context(), user); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create user")
			return
		}
	}

	pair, err := s.authSvc.IssueTokenPair(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := s.authSvc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	pair, err := s.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if user == nil {
		// Externally issued token for a subject with no local record.
		writeJSON(w, http.StatusOK, map[string]string{"id": userID})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Robot handlers ---

// robotWithKey is the creation response; the plaintext API key appears here
// and nowhere else.
type robotWithKey struct {
	store.Agent
	APIKey string `json:"api_key"`
}

func (s *Server) handleCreateRobot(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	userID := userIDFromContext(r.Context())

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	ownerName := ""
	if user != nil {
		ownerName = user.Nickname
		if ownerName == "" {
			ownerName = user.Username
		}
	}

	now := time.Now()
	agent := &store.Agent{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Icon:        req.Icon,
		KeyHash:     auth.HashAPIKey(key),
		OwnerID:     userID,
		OwnerName:   ownerName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create robot")
		return
	}

	writeJSON(w, http.StatusCreated, robotWithKey{Agent: *agent, APIKey: key})
}

func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	limit, offset := pageParams(r, 50)

	robots, err := s.store.ListAgentsByOwner(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list robots")
		return
	}
	if robots == nil {
		robots = []store.Agent{}
	}
	writeJSON(w, http.StatusOK, robots)
}

// ownedRobot loads a robot and checks the requesting user owns it.
func (s *Server) ownedRobot(w http.ResponseWriter, r *http.Request) *store.Agent {
	userID := userIDFromContext(r.Context())
	robotID := chi.URLParam(r, "robotID")

	agent, err := s.store.GetAgent(r.Context(), robotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up robot")
		return nil
	}
	if agent == nil || agent.OwnerID != userID {
		writeError(w, http.StatusNotFound, "robot not found")
		return nil
	}
	return agent
}

func (s *Server) handleGetRobot(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedRobot(w, r)
	if agent == nil {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateRobot(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedRobot(w, r)
	if agent == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Icon        *string `json:"icon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.Icon != nil {
		agent.Icon = *req.Icon
	}
	agent.UpdatedAt = time.Now()

	if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update robot")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteRobot(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedRobot(w, r)
	if agent == nil {
		return
	}
	if err := s.store.DeleteAgent(r.Context(), agent.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete robot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Conversation handlers ---

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	userID := userIDFromContext(r.Context())

	var req struct {
		RobotID string `json:"robot_id"`
		Title   string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RobotID == "" {
		writeError(w, http.StatusBadRequest, "robot_id is required")
		return
	}

	agent, err := s.store.GetAgent(r.Context(), req.RobotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up robot")
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "robot not found")
		return
	}

	conv := &store.Conversation{
		ID:        uuid.New().String(),
		AgentID:   req.RobotID,
		Title:     req.Title,
		OwnerID:   userID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	limit, offset := pageParams(r, 50)
	robotID := r.URL.Query().Get("robot_id")

	convs, err := s.store.ListConversations(r.Context(), userID, robotID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) *store.Conversation {
	userID := userIDFromContext(r.Context())
	convID := chi.URLParam(r, "conversationID")

	conv, err := s.store.GetConversation(r.Context(), convID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up conversation")
		return nil
	}
	if conv == nil || conv.OwnerID != userID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	return conv
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.ownedConversation(w, r)
	if conv == nil {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.ownedConversation(w, r)
	if conv == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.UpdateConversationTitle(r.Context(), conv.ID, req.Title); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update conversation")
		return
	}
	conv.Title = req.Title
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.ownedConversation(w, r)
	if conv == nil {
		return
	}
	if err := s.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- History handlers ---

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	limit, offset := pageParams(r, 50)
	convID := r.URL.Query().Get("conversation_id")

	entries, err := s.history.History(userID, convID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	if err := s.history.Clear(userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
