package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/itkpi/hawkeye-central/internal/agent"
	"github.com/itkpi/hawkeye-central/internal/apperr"
	"github.com/itkpi/hawkeye-central/internal/repository/memory"
	"github.com/itkpi/hawkeye-central/internal/service/auth"
	"github.com/itkpi/hawkeye-central/internal/service/credential"
	"github.com/itkpi/hawkeye-central/internal/service/deploy"
	"github.com/itkpi/hawkeye-central/internal/service/node"
	"github.com/itkpi/hawkeye-central/internal/service/webhook"
	"github.com/itkpi/hawkeye-central/pkg/config"
	"github.com/itkpi/hawkeye-central/pkg/crypto"
)

// fakeAgents stands in for the agent hub: every call succeeds for connected
// logins. Fetches honour ctx cancellation like the real hub does.
type fakeAgents struct {
	mu        sync.Mutex
	connected map[string]bool
	fetches   int
}

func (f *fakeAgents) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	writeError(w, http.StatusUnauthorized, "agent credentials required")
}

func (f *fakeAgents) connect(login string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[login] = true
}

func (f *fakeAgents) ConnectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connected)
}

func (f *fakeAgents) IsConnected(login string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[login]
}

func (f *fakeAgents) check(login string) error {
	if !f.IsConnected(login) {
		return agent.ErrNotConnected
	}
	return nil
}

func (f *fakeAgents) RegisterDeploy(ctx context.Context, login string, params agent.RegisterDeployParams) error {
	return f.check(login)
}

func (f *fakeAgents) RemoveDeploy(ctx context.Context, login, deployID string) error {
	return f.check(login)
}

func (f *fakeAgents) StartDeploy(ctx context.Context, login, deployID string) error {
	return f.check(login)
}

func (f *fakeAgents) StopDeploy(ctx context.Context, login, deployID string) error {
	return f.check(login)
}

func (f *fakeAgents) FetchDeploy(ctx context.Context, login, deployID string) error {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.check(login)
}

func (f *fakeAgents) GetDeployStatus(ctx context.Context, login, deployID string) (string, error) {
	return "running", f.check(login)
}

type testServer struct {
	router *Router
	agents *fakeAgents
	codec  webhook.Codec
}

func newTestServer(t *testing.T, dbHealth func(context.Context) error) testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		JWTSecret:       "router-test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		NodeSaveRetries: 3,
	}
	repo := memory.New()
	provider := crypto.NewProvider("webhook-key")
	codec := webhook.NewCodec(provider)
	agents := &fakeAgents{connected: map[string]bool{}}

	authSvc := auth.New(repo, log, cfg)
	nodeSvc := node.New(repo, repo, credential.New(repo, 8, 8), provider, agents, log, cfg)
	deploySvc := deploy.New(repo, agents, codec, log, cfg)
	webhookSvc := webhook.New(repo, codec, agents, log, cfg)

	router := NewRouter(log, authSvc, nodeSvc, deploySvc, webhookSvc, agents, NewMemoryRateLimiter(), dbHealth)
	t.Cleanup(router.Close)
	return testServer{router: router, agents: agents, codec: codec}
}

func (s testServer) do(t *testing.T, method, path, token string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func (s testServer) signup(t *testing.T, email string) (userID, token string) {
	t.Helper()
	code, body := s.do(t, http.MethodPost, "/auth/signup", "", map[string]string{"email": email, "password": "correct-horse"})
	if code != http.StatusCreated {
		t.Fatalf("signup: %d %v", code, body)
	}
	user := body["user"].(map[string]any)
	tokens := body["tokens"].(map[string]any)
	return user["id"].(string), tokens["AccessToken"].(string)
}

func TestNodeAndDeployFlow(t *testing.T) {
	s := newTestServer(t, nil)
	_, token := s.signup(t, "owner@example.com")

	code, body := s.do(t, http.MethodPost, "/nodes", token, map[string]string{"title": "abc"})
	if code != http.StatusBadRequest || body["kind"] != string(apperr.Validation) {
		t.Fatalf("short title: %d %v", code, body)
	}
	code, body = s.do(t, http.MethodPost, "/nodes", token, map[string]string{"title": "build box"})
	if code != http.StatusCreated {
		t.Fatalf("create node: %d %v", code, body)
	}
	nodeID := body["id"].(string)
	creds := body["credentials"].(map[string]any)
	login := creds["login"].(string)
	if len(creds["password"].(string)) < 8 {
		t.Fatalf("password too short: %v", creds)
	}

	deployBody := map[string]string{"repo": "https://git.example.com/app.git", "title": "app"}
	code, body = s.do(t, http.MethodPost, "/nodes/"+nodeID+"/deploys", token, deployBody)
	if code != http.StatusConflict || body["retryable"] != true {
		t.Fatalf("disconnected create: %d %v", code, body)
	}

	s.agents.connect(login)
	code, body = s.do(t, http.MethodPost, "/nodes/"+nodeID+"/deploys", token, deployBody)
	if code != http.StatusCreated {
		t.Fatalf("create deploy: %d %v", code, body)
	}
	created := body["deploy"].(map[string]any)
	deployID := created["id"].(string)
	secret := created["webhookSecret"].(string)
	if created["branch"] != "master" {
		t.Fatalf("expected default branch, got %v", created["branch"])
	}

	code, body = s.do(t, http.MethodPost, "/nodes/"+nodeID+"/deploys/"+deployID+"/start", token, nil)
	if code != http.StatusOK || body["status"] != "running" || body["id"] != deployID {
		t.Fatalf("start: %d %v", code, body)
	}
	code, body = s.do(t, http.MethodGet, "/nodes/"+nodeID, token, nil)
	if code != http.StatusOK || body["connected"] != true {
		t.Fatalf("get node: %d %v", code, body)
	}

	code, body = s.do(t, http.MethodPost, "/webhook", "", nil, "X-Gitlab-Token", secret)
	if code != http.StatusOK || body["triggered"] != float64(1) {
		t.Fatalf("webhook: %d %v", code, body)
	}

	code, body = s.do(t, http.MethodDelete, "/nodes/"+nodeID, token, nil)
	if code != http.StatusConflict {
		t.Fatalf("delete node with deploys: %d %v", code, body)
	}
	code, body = s.do(t, http.MethodDelete, "/nodes/"+nodeID+"/deploys/"+deployID, token, nil)
	if code != http.StatusOK {
		t.Fatalf("delete deploy: %d %v", code, body)
	}
	code, body = s.do(t, http.MethodDelete, "/nodes/"+nodeID, token, nil)
	if code != http.StatusOK {
		t.Fatalf("delete node: %d %v", code, body)
	}
	code, _ = s.do(t, http.MethodGet, "/nodes/"+nodeID, token, nil)
	if code != http.StatusNotFound {
		t.Fatalf("deleted node: expected 404, got %d", code)
	}
}

func TestNodeAccessIsEnforced(t *testing.T) {
	s := newTestServer(t, nil)
	_, ownerToken := s.signup(t, "owner@example.com")
	strangerID, strangerToken := s.signup(t, "stranger@example.com")

	_, body := s.do(t, http.MethodPost, "/nodes", ownerToken, map[string]string{"title": "build box"})
	nodeID := body["id"].(string)

	if code, _ := s.do(t, http.MethodGet, "/nodes/"+nodeID, "", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/nodes/"+nodeID, strangerToken, nil); code != http.StatusForbidden {
		t.Fatalf("stranger: expected 403, got %d", code)
	}
	if code, body := s.do(t, http.MethodPost, "/nodes/"+nodeID+"/users", ownerToken, map[string]string{"userId": strangerID}); code != http.StatusOK {
		t.Fatalf("grant: %d %v", code, body)
	}
	if code, _ := s.do(t, http.MethodGet, "/nodes/"+nodeID, strangerToken, nil); code != http.StatusOK {
		t.Fatalf("granted user: expected 200, got %d", code)
	}
}

func TestWebhookRejectsBadSecrets(t *testing.T) {
	s := newTestServer(t, nil)
	if code, _ := s.do(t, http.MethodPost, "/webhook", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("missing header: expected 401, got %d", code)
	}
	if code, body := s.do(t, http.MethodPost, "/webhook", "", nil, "X-Hub-Signature", "sha1=deadbeef"); code != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("bad secret: %d %v", code, body)
	}
	if code, _ := s.do(t, http.MethodGet, "/webhook", "", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET webhook: expected 405, got %d", code)
	}
	if s.agents.fetches != 0 {
		t.Fatal("no fetch expected")
	}
}

func TestWebhookFetchesOutliveDroppedClient(t *testing.T) {
	s := newTestServer(t, nil)
	_, token := s.signup(t, "owner@example.com")
	_, body := s.do(t, http.MethodPost, "/nodes", token, map[string]string{"title": "build box"})
	nodeID := body["id"].(string)
	s.agents.connect(body["credentials"].(map[string]any)["login"].(string))
	code, body := s.do(t, http.MethodPost, "/nodes/"+nodeID+"/deploys", token, map[string]string{"repo": "https://git.example.com/app.git", "title": "app"})
	if code != http.StatusCreated {
		t.Fatalf("create deploy: %d %v", code, body)
	}
	secret := body["deploy"].(map[string]any)["webhookSecret"].(string)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/webhook", nil).WithContext(ctx)
	req.Header.Set("X-Hub-Signature", secret)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("webhook with dropped client: %d %s", rec.Code, rec.Body.String())
	}
	if s.agents.fetches != 1 {
		t.Fatalf("expected one fetch, got %d", s.agents.fetches)
	}
}

func TestSignupIsRateLimited(t *testing.T) {
	s := newTestServer(t, nil)
	var last int
	for i := 0; i <= ruleSignup.limit; i++ {
		last, _ = s.do(t, http.MethodPost, "/auth/signup", "", map[string]string{"email": "x", "password": "y"})
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d signups, got %d", ruleSignup.limit, last)
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	s := newTestServer(t, func(context.Context) error { return errors.New("db down") })
	s.agents.connect("agent001")
	code, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("healthz: %d %v", code, body)
	}
	components := body["components"].(map[string]any)
	agents := components["agents"].(map[string]any)
	if agents["connected"] != float64(1) {
		t.Fatalf("unexpected agents component: %v", agents)
	}
}

func TestStatusForKinds(t *testing.T) {
	cases := []struct {
		kind  apperr.Kind
		authn bool
		want  int
	}{
		{apperr.Validation, false, http.StatusBadRequest},
		{apperr.Unauthorized, false, http.StatusForbidden},
		{apperr.Unauthorized, true, http.StatusUnauthorized},
		{apperr.NotFound, false, http.StatusNotFound},
		{apperr.Conflict, false, http.StatusConflict},
		{apperr.NodeNotConnected, false, http.StatusConflict},
		{apperr.StorageUnavailable, false, http.StatusServiceUnavailable},
		{apperr.AgentUnavailable, false, http.StatusBadGateway},
		{apperr.PartialFailure, false, http.StatusInternalServerError},
		{apperr.Internal, false, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.kind, tc.authn); got != tc.want {
			t.Errorf("statusFor(%s, %v) = %d, want %d", tc.kind, tc.authn, got, tc.want)
		}
	}
}

func TestPartialFailureListsSubFailures(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/nodes/n1", nil)
	err := apperr.Partial("node.DeleteNode", "node users not fully detached", []apperr.SubFailure{
		{Step: "detach_user", Target: "u2", Err: apperr.Wrap(apperr.StorageUnavailable, "node.DeleteNode", errors.New("timeout"))},
	})
	s.router.writeServiceError(rec, req, err, false)

	var body struct {
		Error    string        `json:"error"`
		Kind     string        `json:"kind"`
		Failures []failureBody `json:"failures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusInternalServerError || body.Kind != string(apperr.PartialFailure) {
		t.Fatalf("unexpected response: %d %+v", rec.Code, body)
	}
	if len(body.Failures) != 1 || body.Failures[0].Target != "u2" || body.Failures[0].Error != "storage unavailable" {
		t.Fatalf("unexpected failures: %+v", body.Failures)
	}
}
