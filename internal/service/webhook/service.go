// Package webhook resolves inbound source-control webhooks to deploys and
// asks their agents to fetch.
package webhook

import (
	"context"
	"errors"
	"sync"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/itkpi/hawkeye-central/internal/agent"
	"github.com/itkpi/hawkeye-central/internal/apperr"
	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/internal/service/nodestore"
	"github.com/itkpi/hawkeye-central/pkg/config"
)

// NodeFinder looks nodes up by the repositories their deploys track.
type NodeFinder interface {
	FindNodesByDeployRepo(ctx context.Context, repo string) ([]domain.Node, error)
}

// Fetcher asks an agent to pull a deploy again.
type Fetcher interface {
	FetchDeploy(ctx context.Context, login, deployID string) error
}

// Result summarises a dispatched webhook.
type Result struct {
	Repo      string `json:"repo"`
	Triggered int    `json:"triggered"`
}

// Service dispatches webhooks.
type Service struct {
	nodes  NodeFinder
	codec  Codec
	agents Fetcher
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a webhook service.
func New(nodes NodeFinder, codec Codec, agents Fetcher, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{nodes: nodes, codec: codec, agents: agents, logger: logger.With("component", "webhook_service"), cfg: cfg}
}

type target struct {
	nodeID   string
	login    string
	deployID string
}

// Handle decodes secret and fetches every deploy on every node tracking the
// decoded repository. The secret is the only credential checked. Every fetch
// runs to completion; the call succeeds only if all of them did.
func (s Service) Handle(ctx context.Context, secret string) (Result, error) {
	const op = "webhook.Handle"
	repo, err := s.codec.Decode(secret)
	if err != nil {
		s.logger.Warn("webhook rejected")
		return Result{}, err
	}
	nodes, err := s.nodes.FindNodesByDeployRepo(ctx, repo)
	if err != nil {
		return Result{}, nodestore.Classify(op, err)
	}

	var targets []target
	for _, n := range nodes {
		for _, d := range n.DeploysForRepo(repo) {
			targets = append(targets, target{nodeID: n.ID, login: n.AgentLogin, deployID: d.ID})
		}
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []apperr.SubFailure
	)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := s.agents.FetchDeploy(ctx, t.login, t.deployID); err != nil {
				mu.Lock()
				failures = append(failures, apperr.SubFailure{Step: "fetch", Target: t.nodeID + "/" + t.deployID, Err: fetchError(op, err)})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Repo: repo, Triggered: len(targets)}
	if len(failures) == 0 {
		s.logger.Info("webhook dispatched", "repo", repo, "fetches", len(targets))
		return result, nil
	}
	for _, f := range failures {
		s.logger.Error("webhook fetch failed", "repo", repo, "target", f.Target, "error", f.Err)
	}
	if len(failures) == len(targets) {
		return result, &apperr.Error{Kind: apperr.AgentUnavailable, Op: op, Msg: "no deploy fetched", Failures: failures}
	}
	return result, apperr.Partial(op, "some deploys were not fetched", failures)
}

func fetchError(op string, err error) error {
	if errors.Is(err, agent.ErrNotConnected) {
		return apperr.Wrap(apperr.NodeNotConnected, op, err)
	}
	return apperr.Wrap(apperr.AgentUnavailable, op, err)
}
