package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jfld/openclaw-man/auth"
	"github.com/jfld/openclaw-man/config"
	"github.com/jfld/openclaw-man/history"
	"github.com/jfld/openclaw-man/relay"
	"github.com/jfld/openclaw-man/store"
)

func setupTestServer(t *testing.T) (*Server, *auth.Service) {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{Addr: ":0", MaxBodyBytes: 1 << 20},
		Auth: config.AuthConfig{
			JWTSecret:          "test-secret-at-least-32-chars-long",
			AccessTokenExpiry:  config.Duration{Duration: time.Hour},
			RefreshTokenExpiry: config.Duration{Duration: 24 * time.Hour},
			InitialAdmin:       &config.InitialAdmin{Username: "admin", Password: "adminpass123"},
		},
		History: config.HistoryConfig{Directory: t.TempDir(), MaxRecords: 100},
		Upload: config.UploadConfig{
			Directory:         t.TempDir(),
			MaxFileBytes:      1 << 20,
			AllowedExtensions: []string{".txt", ".png"},
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 200},
	}

	authSvc := auth.NewService(s, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	weapp := auth.NewWeappClient("", "")

	hist, err := history.NewService(cfg.History.Directory, cfg.History.MaxRecords)
	if err != nil {
		t.Fatal(err)
	}

	rly := relay.New(relay.NewResolver(s, authSvc), hist, slog.Default(), relay.Options{})

	return NewServer(s, authSvc, authSvc, weapp, hist, rly, cfg, slog.Default()), authSvc
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:12345"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func loginAdmin(t *testing.T, srv *Server) string {
	t.Helper()
	w := doRequest(t, srv, http.MethodPost, "/ocms/auth/login", "",
		map[string]string{"username": "admin", "password": "adminpass123"})
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken
}

func TestLoginAndMe(t *testing.T) {
	srv, _ := setupTestServer(t)
	token := loginAdmin(t, srv)

	w := doRequest(t, srv, http.MethodGet, "/ocms/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me failed: %d %s", w.Code, w.Body.String())
	}
	var me store.User
	if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil {
		t.Fatal(err)
	}
	if me.Username != "admin" || me.Role != "admin" {
		t.Errorf("unexpected identity: %+v", me)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/ocms/robots", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/ocms/robots", "garbage-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", w.Code)
	}
}

func TestWeappLoginMockMode(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/ocms/auth/weapp/token", "",
		map[string]string{"code": "c1", "nickname": "wx user"})
	if w.Code != http.StatusOK {
		t.Fatalf("weapp login failed: %d %s", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}

	// Same code resolves to the same user, not a new one.
	w2 := doRequest(t, srv, http.MethodPost, "/ocms/auth/weapp/token", "",
		map[string]string{"code": "c1"})
	if w2.Code != http.StatusOK {
		t.Fatalf("repeat weapp login failed: %d", w2.Code)
	}

	w3 := doRequest(t, srv, http.MethodGet, "/ocms/me", pair.AccessToken, nil)
	if w3.Code != http.StatusOK {
		t.Fatalf("me with weapp token failed: %d", w3.Code)
	}
	if !strings.Contains(w3.Body.String(), "wx user") {
		t.Errorf("expected nickname in profile, got %s", w3.Body.String())
	}
}

func TestRefreshEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/ocms/auth/login", "",
		map[string]string{"username": "admin", "password": "adminpass123"})
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}

	w = doRequest(t, srv, http.MethodPost, "/ocms/auth/refresh", "",
		map[string]string{"refresh_token": pair.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh failed: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, http.MethodPost, "/ocms/auth/refresh", "",
		map[string]string{"refresh_token": pair.AccessToken})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 refreshing with access token, got %d", w.Code)
	}
}

func TestRobotLifecycle(t *testing.T) {
	srv, _ := setupTestServer(t)
	token := loginAdmin(t, srv)

	// Create: the plaintext key appears exactly once, in this response.
	w := doRequest(t, srv, http.MethodPost, "/ocms/robots", token,
		map[string]string{"name": "helper", "description": "does things"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create robot failed: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		store.Agent
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.APIKey, "sk-api-") {
		t.Errorf("expected sk-api- key, got %q", created.APIKey)
	}
	if created.ID == "" || created.Name != "helper" {
		t.Errorf("unexpected robot: %+v", created.Agent)
	}

	// Get: no key material in the read path.
	w = doRequest(t, srv, http.MethodGet, "/ocms/robots/"+created.ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get robot failed: %d", w.Code)
	}
	if strings.Contains(w.Body.String(), created.APIKey) || strings.Contains(w.Body.String(), "key_hash") {
		t.Error("robot read leaked key material")
	}

	// List.
	w = doRequest(t, srv, http.MethodGet, "/ocms/robots", token, nil)
	var robots []store.Agent
	if err := json.Unmarshal(w.Body.Bytes(), &robots); err != nil {
		t.Fatal(err)
	}
	if len(robots) != 1 {
		t.Fatalf("expected 1 robot, got %d", len(robots))
	}

	// Update.
	w = doRequest(t, srv, http.MethodPut, "/ocms/robots/"+created.ID, token,
		map[string]string{"name": "renamed"})
	if w.Code != http.StatusOK {
		t.Fatalf("update robot failed: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "renamed") {
		t.Errorf("expected renamed robot, got %s", w.Body.String())
	}

	// Delete, then 404.
	w = doRequest(t, srv, http.MethodDelete, "/ocms/robots/"+created.ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete robot failed: %d", w.Code)
	}
	w = doRequest(t, srv, http.MethodGet, "/ocms/robots/"+created.ID, token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestRobotOwnershipScoping(t *testing.T) {
	srv, _ := setupTestServer(t)
	admin := loginAdmin(t, srv)

	w := doRequest(t, srv, http.MethodPost, "/ocms/robots", admin, map[string]string{"name": "owned"})
	var created struct {
		store.Agent
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	// A different user neither sees nor touches it.
	w = doRequest(t, srv, http.MethodPost, "/ocms/auth/weapp/token", "", map[string]string{"code": "other"})
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}

	w = doRequest(t, srv, http.MethodGet, "/ocms/robots/"+created.ID, pair.AccessToken, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign robot, got %d", w.Code)
	}
	w = doRequest(t, srv, http.MethodDelete, "/ocms/robots/"+created.ID, pair.AccessToken, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 deleting foreign robot, got %d", w.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	srv, _ := setupTestServer(t)
	token := loginAdmin(t, srv)

	w := doRequest(t, srv, http.MethodPost, "/ocms/robots", token, map[string]string{"name": "bot"})
	var robot struct {
		store.Agent
	}
	if err := json.Unmarshal(w.Body.Bytes(), &robot); err != nil {
		t.Fatal(err)
	}

	w = doRequest(t, srv, http.MethodPost, "/ocms/conversations", token,
		map[string]string{"robot_id": robot.ID, "title": "first"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create conversation failed: %d %s", w.Code, w.Body.String())
	}
	var conv store.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatal(err)
	}

	w = doRequest(t, srv, http.MethodGet, "/ocms/conversations?robot_id="+robot.ID, token, nil)
	var convs []store.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &convs); err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}

	w = doRequest(t, srv, http.MethodPut, "/ocms/conversations/"+conv.ID, token,
		map[string]string{"title": "renamed"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "renamed") {
		t.Errorf("update conversation failed: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, http.MethodDelete, "/ocms/conversations/"+conv.ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete conversation failed: %d", w.Code)
	}

	// Unknown robot is rejected at creation.
	w = doRequest(t, srv, http.MethodPost, "/ocms/conversations", token,
		map[string]string{"robot_id": "nope"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown robot, got %d", w.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	srv, _ := setupTestServer(t)
	token := loginAdmin(t, srv)

	// Find the admin's user id and seed history for it directly.
	w := doRequest(t, srv, http.MethodGet, "/ocms/me", token, nil)
	var me store.User
	if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil {
		t.Fatal(err)
	}
	err := srv.history.Record(context.Background(), me.ID, history.Entry{
		MessageID: "msg_1", Sender: "agent", Text: "hi", AgentID: "a1",
	})
	if err != nil {
		t.Fatal(err)
	}

	w = doRequest(t, srv, http.MethodGet, "/ocms/history", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get history failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Records []history.Entry `json:"records"`
		Total   int             `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Records) != 1 || resp.Records[0].Text != "hi" {
		t.Errorf("unexpected history: %+v", resp)
	}

	w = doRequest(t, srv, http.MethodDelete, "/ocms/history", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("clear history failed: %d", w.Code)
	}
	w = doRequest(t, srv, http.MethodGet, "/ocms/history", token, nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 0 {
		t.Errorf("expected empty history after clear, got %d", resp.Total)
	}
}

func TestUploadAndDownload(t *testing.T) {
	srv, _ := setupTestServer(t)
	token := loginAdmin(t, srv)

	body := new(bytes.Buffer)
	mw := newMultipart(t, body, "notes.txt", []byte("hello upload"))

	req := httptest.NewRequest(http.MethodPost, "/ocms/upload", body)
	req.RemoteAddr = "192.0.2.1:12345"
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", w.Code, w.Body.String())
	}

	var up struct {
		FilePath string `json:"file_path"`
		Size     int64  `json:"size"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &up); err != nil {
		t.Fatal(err)
	}
	if up.Size != int64(len("hello upload")) {
		t.Errorf("unexpected size %d", up.Size)
	}
	if !strings.HasPrefix(up.FilePath, "/ocms/uploads/") {
		t.Fatalf("unexpected file path %q", up.FilePath)
	}

	got := doRequest(t, srv, http.MethodGet, up.FilePath, token, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("download failed: %d %s", got.Code, got.Body.String())
	}
	if got.Body.String() != "hello upload" {
		t.Errorf("download content mismatch: %q", got.Body.String())
	}

	// Another user cannot fetch it.
	wx := doRequest(t, srv, http.MethodPost, "/ocms/auth/weapp/token", "", map[string]string{"code": "dl"})
	var pair auth.TokenPair
	if err := json.Unmarshal(wx.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}
	denied := doRequest(t, srv, http.MethodGet, up.FilePath, pair.AccessToken, nil)
	if denied.Code != http.StatusForbidden {
		t.Errorf("expected 403 for foreign download, got %d", denied.Code)
	}
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	srv, _ := setupTestServer(t)
	token := loginAdmin(t, srv)

	body := new(bytes.Buffer)
	ct := newMultipart(t, body, "evil.exe", []byte("MZ"))

	req := httptest.NewRequest(http.MethodPost, "/ocms/upload", body)
	req.RemoteAddr = "192.0.2.1:12345"
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for .exe upload, got %d", w.Code)
	}
}

// newMultipart writes a single-file multipart body and returns its content type.
func newMultipart(t *testing.T, buf *bytes.Buffer, filename string, content []byte) string {
	t.Helper()
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return mw.FormDataContentType()
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
	w = doRequest(t, srv, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d", w.Code)
	}
}
