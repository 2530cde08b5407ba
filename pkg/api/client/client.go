package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the central HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status    int
	Kind      string
	Message   string
	Retryable bool
	Failures  []Failure
}

// Failure is one failed step of a partially applied operation.
type Failure struct {
	Step   string `json:"step"`
	Target string `json:"target"`
	Error  string `json:"error"`
}

// Partial reports whether the server applied only part of the operation.
func (e APIError) Partial() bool {
	return e.Kind == "partial_failure"
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	if body == nil {
		return apiErr
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error     string    `json:"error"`
		Kind      string    `json:"kind"`
		Retryable bool      `json:"retryable"`
		Failures  []Failure `json:"failures"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Kind = payload.Kind
	apiErr.Retryable = payload.Retryable
	apiErr.Failures = payload.Failures
	return apiErr
}

// AuthResponse captures the token payload emitted by signup and login.
type AuthResponse struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// TokenPair includes access and refresh tokens.
type TokenPair struct {
	AccessToken  string        `json:"AccessToken"`
	RefreshToken string        `json:"RefreshToken"`
	ExpiresIn    time.Duration `json:"ExpiresIn"`
}

func credentialsBody(email, password string) map[string]string {
	return map[string]string{
		"email":    email,
		"password": password,
	}
}

// Signup registers a new account.
func (c *Client) Signup(ctx context.Context, email, password string) (AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/signup", credentialsBody(email, password), "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", credentialsBody(email, password), "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Refresh trades a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var resp struct {
		Tokens TokenPair `json:"tokens"`
	}
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, "", &resp); err != nil {
		return TokenPair{}, err
	}
	return resp.Tokens, nil
}

// Deploy is a deploy as listed on its node.
type Deploy struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Repo          string `json:"repo"`
	Branch        string `json:"branch"`
	WebhookSecret string `json:"webhookSecret"`
}

// Node is the caller-facing node view.
type Node struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	AgentLogin      string    `json:"agentLogin"`
	UsersWithAccess []string  `json:"usersWithAccess"`
	Deploys         []Deploy  `json:"deploys"`
	Connected       bool      `json:"connected"`
	CreatedAt       time.Time `json:"createdAt"`
}

// NodeCredentials are returned once, when the node is created.
type NodeCredentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// CreatedNode is the response of CreateNode.
type CreatedNode struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	UsersWithAccess []string        `json:"usersWithAccess"`
	Credentials     NodeCredentials `json:"credentials"`
}

// ListNodes returns the nodes the caller can access.
func (c *Client) ListNodes(ctx context.Context, token string) ([]Node, error) {
	var nodes []Node
	if err := c.do(ctx, http.MethodGet, "/nodes", nil, token, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// CreateNode registers a node and returns its agent credentials.
func (c *Client) CreateNode(ctx context.Context, token, title string) (CreatedNode, error) {
	var created CreatedNode
	if err := c.do(ctx, http.MethodPost, "/nodes", map[string]string{"title": title}, token, &created); err != nil {
		return CreatedNode{}, err
	}
	return created, nil
}

func nodePath(nodeID string, rest ...string) string {
	parts := []string{"/nodes", url.PathEscape(nodeID)}
	for _, r := range rest {
		parts = append(parts, url.PathEscape(r))
	}
	return strings.Join(parts, "/")
}

// GetNode fetches a single node.
func (c *Client) GetNode(ctx context.Context, token, nodeID string) (Node, error) {
	var node Node
	if err := c.do(ctx, http.MethodGet, nodePath(nodeID), nil, token, &node); err != nil {
		return Node{}, err
	}
	return node, nil
}

// DeleteNode removes a node without deploys.
func (c *Client) DeleteNode(ctx context.Context, token, nodeID string) error {
	return c.do(ctx, http.MethodDelete, nodePath(nodeID), nil, token, nil)
}

// GrantAccess adds userID to the node's owners and returns the new owner set.
func (c *Client) GrantAccess(ctx context.Context, token, nodeID, userID string) ([]string, error) {
	var resp struct {
		UsersWithAccess []string `json:"usersWithAccess"`
	}
	body := map[string]string{"userId": userID}
	if err := c.do(ctx, http.MethodPost, nodePath(nodeID, "users"), body, token, &resp); err != nil {
		return nil, err
	}
	return resp.UsersWithAccess, nil
}

// CreateDeployInput captures the payload for deploy creation.
type CreateDeployInput struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
	Title  string `json:"title"`
	Token  string `json:"token,omitempty"`
}

// CreateDeploy registers a deploy on the node's agent.
func (c *Client) CreateDeploy(ctx context.Context, token, nodeID string, input CreateDeployInput) (Deploy, error) {
	var resp struct {
		Deploy Deploy `json:"deploy"`
	}
	if err := c.do(ctx, http.MethodPost, nodePath(nodeID, "deploys"), input, token, &resp); err != nil {
		return Deploy{}, err
	}
	return resp.Deploy, nil
}

// DeleteDeploy removes a deploy from the node and its agent.
func (c *Client) DeleteDeploy(ctx context.Context, token, nodeID, deployID string) error {
	return c.do(ctx, http.MethodDelete, nodePath(nodeID, "deploys", deployID), nil, token, nil)
}

// DeployStatus is the agent-reported state of a deploy.
type DeployStatus struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Status string `json:"status"`
}

// DeployStatus returns the current status of a deploy.
func (c *Client) DeployStatus(ctx context.Context, token, nodeID, deployID string) (DeployStatus, error) {
	var status DeployStatus
	if err := c.do(ctx, http.MethodGet, nodePath(nodeID, "deploys", deployID), nil, token, &status); err != nil {
		return DeployStatus{}, err
	}
	return status, nil
}

// Deploy actions accepted by RunDeployAction.
const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionFetch = "fetch"
)

// RunDeployAction starts, stops or fetches a deploy and returns its new status.
func (c *Client) RunDeployAction(ctx context.Context, token, nodeID, deployID, action string) (DeployStatus, error) {
	switch action {
	case ActionStart, ActionStop, ActionFetch:
	default:
		return DeployStatus{}, fmt.Errorf("unknown deploy action %q", action)
	}
	var status DeployStatus
	if err := c.do(ctx, http.MethodPost, nodePath(nodeID, "deploys", deployID, action), nil, token, &status); err != nil {
		return DeployStatus{}, err
	}
	return status, nil
}
