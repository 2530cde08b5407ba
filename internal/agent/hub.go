// Package agent tracks live agent connections and invokes deploy commands on them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/pkg/config"
)

// RPC method names understood by agents.
const (
	MethodRegisterDeploy = "registerDeploy"
	MethodRemoveDeploy   = "removeDeploy"
	MethodStartDeploy    = "startDeploy"
	MethodStopDeploy     = "stopDeploy"
	MethodFetchDeploy    = "fetchDeploy"
	MethodDeployStatus   = "getDeployStatus"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultPingInterval = 20 * time.Second
)

var (
	// ErrNotConnected is returned when no session exists for a login.
	ErrNotConnected = errors.New("agent: node not connected")
	// ErrTimeout is returned when the agent does not answer in time.
	ErrTimeout = errors.New("agent: call timed out")
	// ErrSessionClosed is returned when the session ends while a call is in flight.
	ErrSessionClosed = errors.New("agent: session closed")
)

// RemoteError is an error reported by the agent itself.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s failed: %s", e.Method, e.Message)
}

// RegisterDeployParams are the arguments of a registerDeploy call.
type RegisterDeployParams struct {
	DeployID      string `json:"deployId"`
	Repo          string `json:"repo"`
	Branch        string `json:"branch"`
	Title         string `json:"title"`
	Token         string `json:"token,omitempty"`
	WebhookSecret string `json:"webhookSecret"`
}

type deployRef struct {
	DeployID string `json:"deployId"`
}

type statusResult struct {
	Status string `json:"status"`
}

// NodeLookup resolves agent logins to nodes.
type NodeLookup interface {
	FindNodeByLogin(ctx context.Context, login string) (*domain.Node, error)
}

// PasswordVerifier checks agent passwords against stored hashes.
type PasswordVerifier interface {
	VerifyPassword(plain string, hash []byte) bool
}

// Hub manages agent sessions keyed by agent login.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session

	nodes    NodeLookup
	verifier PasswordVerifier
	upgrader websocket.Upgrader
	logger   *slog.Logger

	callTimeout  time.Duration
	pingInterval time.Duration
}

// NewHub creates a Hub that authenticates agents against nodes.
func NewHub(nodes NodeLookup, verifier PasswordVerifier, logger *slog.Logger, cfg config.APIConfig) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	callTimeout := cfg.AgentCallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	pingInterval := cfg.AgentPingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	initMetrics()
	return &Hub{
		sessions:     make(map[string]*session),
		nodes:        nodes,
		verifier:     verifier,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:       logger.With("component", "agent_hub"),
		callTimeout:  callTimeout,
		pingInterval: pingInterval,
	}
}

// ServeHTTP authenticates an agent with basic auth and upgrades to a session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	login, password, ok := req.BasicAuth()
	if !ok || login == "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="agent"`)
		http.Error(w, "agent credentials required", http.StatusUnauthorized)
		return
	}
	node, err := h.nodes.FindNodeByLogin(req.Context(), login)
	if err != nil || !h.verifier.VerifyPassword(password, node.AgentPasswordHash) {
		h.logger.Warn("agent authentication failed", "agent_login", login)
		http.Error(w, "invalid agent credentials", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Error("agent websocket upgrade failed", "agent_login", login, "error", err)
		return
	}

	sess := newSession(login, conn, h.logger)
	h.attach(sess, node.ID)
	defer h.detach(sess)

	go sess.pingLoop(h.pingInterval)
	sess.readLoop(2 * h.pingInterval)
}

func (h *Hub) attach(sess *session, nodeID string) {
	h.mu.Lock()
	previous := h.sessions[sess.login]
	h.sessions[sess.login] = sess
	count := len(h.sessions)
	h.mu.Unlock()

	if previous != nil {
		previous.close()
		h.logger.Info("agent session replaced", "agent_login", sess.login, "node_id", nodeID)
	} else {
		h.logger.Info("agent connected", "agent_login", sess.login, "node_id", nodeID)
	}
	agentsConnected.Set(float64(count))
}

func (h *Hub) detach(sess *session) {
	sess.close()
	h.mu.Lock()
	if current, ok := h.sessions[sess.login]; ok && current == sess {
		delete(h.sessions, sess.login)
	}
	count := len(h.sessions)
	h.mu.Unlock()
	agentsConnected.Set(float64(count))
	h.logger.Info("agent disconnected", "agent_login", sess.login)
}

// IsConnected reports whether an agent session is live for login.
func (h *Hub) IsConnected(login string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[login]
	return ok
}

// ConnectedCount returns the number of live sessions.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RegisterDeploy asks the agent to set up a new deploy.
func (h *Hub) RegisterDeploy(ctx context.Context, login string, params RegisterDeployParams) error {
	return h.invoke(ctx, login, MethodRegisterDeploy, params, nil)
}

// RemoveDeploy asks the agent to tear a deploy down.
func (h *Hub) RemoveDeploy(ctx context.Context, login, deployID string) error {
	return h.invoke(ctx, login, MethodRemoveDeploy, deployRef{DeployID: deployID}, nil)
}

// StartDeploy asks the agent to start a deploy.
func (h *Hub) StartDeploy(ctx context.Context, login, deployID string) error {
	return h.invoke(ctx, login, MethodStartDeploy, deployRef{DeployID: deployID}, nil)
}

// StopDeploy asks the agent to stop a deploy.
func (h *Hub) StopDeploy(ctx context.Context, login, deployID string) error {
	return h.invoke(ctx, login, MethodStopDeploy, deployRef{DeployID: deployID}, nil)
}

// FetchDeploy asks the agent to pull the deploy's repository again.
func (h *Hub) FetchDeploy(ctx context.Context, login, deployID string) error {
	return h.invoke(ctx, login, MethodFetchDeploy, deployRef{DeployID: deployID}, nil)
}

// GetDeployStatus returns the agent-reported status of a deploy.
func (h *Hub) GetDeployStatus(ctx context.Context, login, deployID string) (string, error) {
	var out statusResult
	if err := h.invoke(ctx, login, MethodDeployStatus, deployRef{DeployID: deployID}, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (h *Hub) invoke(ctx context.Context, login, method string, params any, result any) error {
	h.mu.RLock()
	sess, ok := h.sessions[login]
	h.mu.RUnlock()
	if !ok {
		agentCalls.WithLabelValues(method, "not_connected").Inc()
		return ErrNotConnected
	}

	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	start := time.Now()
	err := sess.call(callCtx, method, params, result)
	agentCallLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	agentCalls.WithLabelValues(method, outcome(err)).Inc()
	if err != nil {
		h.logger.Warn("agent call failed", "agent_login", login, "method", method, "error", err)
	}
	return err
}

// Close terminates every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func outcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
