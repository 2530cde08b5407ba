package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itkpi/hawkeye-central/internal/apperr"
	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/internal/service/auth"
	"github.com/itkpi/hawkeye-central/internal/service/deploy"
	"github.com/itkpi/hawkeye-central/internal/service/node"
	"github.com/itkpi/hawkeye-central/internal/service/webhook"
)

// AgentEndpoint accepts agent connections and reports how many are live.
type AgentEndpoint interface {
	http.Handler
	ConnectedCount() int
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	nodes    node.Service
	deploys  deploy.Service
	webhook  webhook.Service
	agents   AgentEndpoint
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	webhookFetches     *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 1 << 20
)

// Headers carrying the webhook secret, in lookup order.
var webhookSecretHeaders = []string{"X-Hub-Signature", "X-Gitlab-Token"}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, nodeSvc node.Service, deploySvc deploy.Service, webhookSvc webhook.Service, agents AgentEndpoint, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		nodes:    nodeSvc,
		deploys:  deploySvc,
		webhook:  webhookSvc,
		agents:   agents,
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.HandleFunc("/auth/signup", r.audit(ruleSignup.route, r.limited(ruleSignup, r.credentials(http.StatusCreated, r.auth.Signup))))
	r.mux.HandleFunc("/auth/login", r.audit(ruleLogin.route, r.limited(ruleLogin, r.credentials(http.StatusOK, r.auth.Login))))
	r.mux.HandleFunc("/auth/refresh", r.audit(ruleRefresh.route, r.limited(ruleRefresh, r.handleRefresh)))
	r.mux.HandleFunc("/nodes", r.audit(ruleNodes.route, r.authenticated(ruleNodes, r.handleNodes)))
	r.mux.HandleFunc("/nodes/", r.audit(ruleNode.route, r.authenticated(ruleNode, r.handleNodeSubroutes)))
	// GitHub and GitLab hooks are configured with or without a trailing slash.
	r.mux.HandleFunc("/webhook", r.audit(ruleWebhook.route, r.limited(ruleWebhook, r.handleWebhook)))
	r.mux.HandleFunc("/webhook/", r.audit(ruleWebhook.route, r.limited(ruleWebhook, r.handleWebhook)))
	if r.agents != nil {
		r.mux.HandleFunc("/agent/connect", r.audit(ruleAgentLogin.route, r.limited(ruleAgentLogin, r.agents.ServeHTTP)))
	}
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type credentialsFunc func(ctx context.Context, email, password string) (*domain.User, auth.TokenPair, error)

// credentials serves signup and login, which share a body and a response.
func (r *Router) credentials(status int, authenticate credentialsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload credentialsPayload
		if !r.decode(w, req, &payload) {
			return
		}
		user, tokens, err := authenticate(req.Context(), payload.Email, payload.Password)
		if err != nil {
			r.writeServiceError(w, req, err, true)
			return
		}
		writeJSON(w, status, map[string]any{
			"user":   map[string]string{"id": user.ID, "email": user.Email},
			"tokens": tokens,
		})
	}
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !r.decode(w, req, &payload) {
		return
	}
	tokens, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		r.writeServiceError(w, req, err, true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (r *Router) handleNodes(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		views, err := r.nodes.ListNodes(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, req, err, false)
			return
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var payload struct {
			Title string `json:"title"`
		}
		if !r.decode(w, req, &payload) {
			return
		}
		created, creds, err := r.nodes.CreateNode(req.Context(), info.UserID, payload.Title)
		if err != nil {
			r.writeServiceError(w, req, err, false)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":              created.ID,
			"title":           created.Title,
			"usersWithAccess": created.UsersWithAccess,
			"credentials":     creds,
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleNodeSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/nodes/"), "/")
	parts := strings.Split(trimmed, "/")
	nodeID := parts[0]
	if nodeID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleNode(w, req, nodeID)
	case len(parts) == 2 && parts[1] == "users":
		r.handleNodeUsers(w, req, nodeID)
	case len(parts) == 2 && parts[1] == "deploys":
		r.handleDeploys(w, req, nodeID)
	case len(parts) == 3 && parts[1] == "deploys":
		r.handleDeploy(w, req, nodeID, parts[2])
	case len(parts) == 4 && parts[1] == "deploys":
		r.handleDeployAction(w, req, nodeID, parts[2], parts[3])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleNode(w http.ResponseWriter, req *http.Request, nodeID string) {
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		view, err := r.nodes.GetNode(req.Context(), info.UserID, nodeID)
		if err != nil {
			r.writeServiceError(w, req, err, false)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		if err := r.nodes.DeleteNode(req.Context(), info.UserID, nodeID); err != nil {
			r.writeServiceError(w, req, err, false)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"success": "Node deleted."})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleNodeUsers(w http.ResponseWriter, req *http.Request, nodeID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		UserID string `json:"userId"`
	}
	if !r.decode(w, req, &payload) {
		return
	}
	updated, err := r.nodes.GrantAccess(req.Context(), info.UserID, nodeID, payload.UserID)
	if err != nil {
		r.writeServiceError(w, req, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": updated.ID, "usersWithAccess": updated.UsersWithAccess})
}

func (r *Router) handleDeploys(w http.ResponseWriter, req *http.Request, nodeID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	var payload deploy.CreateInput
	if !r.decode(w, req, &payload) {
		return
	}
	payload.NodeID = nodeID
	created, err := r.deploys.CreateDeploy(req.Context(), info.UserID, payload)
	if err != nil {
		r.writeServiceError(w, req, err, false)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": "Deploy created.",
		"deploy": node.DeployView{
			ID:            created.ID,
			Title:         created.Title,
			Repo:          created.Repo,
			Branch:        created.Branch,
			WebhookSecret: created.WebhookSecret,
		},
	})
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request, nodeID, deployID string) {
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		status, err := r.deploys.GetDeployStatus(req.Context(), info.UserID, nodeID, deployID)
		if err != nil {
			r.writeServiceError(w, req, err, false)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodDelete:
		if err := r.deploys.DeleteDeploy(req.Context(), info.UserID, nodeID, deployID); err != nil {
			r.writeServiceError(w, req, err, false)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"success": "Deploy deleted."})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeployAction(w http.ResponseWriter, req *http.Request, nodeID, deployID, action string) {
	var run func(ctx context.Context, callerID, nodeID, deployID string) (domain.DeployStatus, error)
	switch action {
	case "start":
		run = r.deploys.StartDeploy
	case "stop":
		run = r.deploys.StopDeploy
	case "fetch":
		run = r.deploys.FetchDeploy
	default:
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	status, err := run(req.Context(), info.UserID, nodeID, deployID)
	if err != nil {
		r.writeServiceError(w, req, err, false)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var secret string
	for _, header := range webhookSecretHeaders {
		if secret = strings.TrimSpace(req.Header.Get(header)); secret != "" {
			break
		}
	}
	if secret == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	// fetches already started must not die with the caller's connection
	result, err := r.webhook.Handle(context.WithoutCancel(req.Context()), secret)
	failed := len(apperr.FailuresOf(err))
	r.recordWebhookFetches(result.Triggered-failed, failed)
	if err != nil {
		if apperr.KindOf(err) == apperr.Unauthorized {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		r.writeServiceError(w, req, err, true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "triggered": result.Triggered})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.agents != nil {
		components["agents"] = map[string]any{"connected": r.agents.ConnectedCount()}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// decode reads a JSON body into v, answering 400 on failure.
func (r *Router) decode(w http.ResponseWriter, req *http.Request, v any) bool {
	body := http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) callerInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/agent/") {
			actor = "agent"
		} else if strings.HasPrefix(req.URL.Path, "/webhook") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the agent endpoint upgrade to a websocket through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
