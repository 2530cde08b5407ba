// Package deploy drives the deploy lifecycle on connected agents.
package deploy

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/itkpi/hawkeye-central/internal/agent"
	"github.com/itkpi/hawkeye-central/internal/apperr"
	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/internal/repository"
	"github.com/itkpi/hawkeye-central/internal/service/access"
	"github.com/itkpi/hawkeye-central/internal/service/nodestore"
	"github.com/itkpi/hawkeye-central/internal/service/validation"
	"github.com/itkpi/hawkeye-central/pkg/config"
)

// Agents is the remote command surface of connected nodes.
type Agents interface {
	IsConnected(login string) bool
	RegisterDeploy(ctx context.Context, login string, params agent.RegisterDeployParams) error
	RemoveDeploy(ctx context.Context, login, deployID string) error
	StartDeploy(ctx context.Context, login, deployID string) error
	StopDeploy(ctx context.Context, login, deployID string) error
	FetchDeploy(ctx context.Context, login, deployID string) error
	GetDeployStatus(ctx context.Context, login, deployID string) (string, error)
}

// SecretEncoder derives the webhook secret of a repository.
type SecretEncoder interface {
	Encode(repo string) (string, error)
}

// CreateInput describes a new deploy.
type CreateInput struct {
	NodeID string `json:"nodeId" validate:"required"`
	Repo   string `json:"repo" validate:"required"`
	Branch string `json:"branch"`
	Title  string `json:"title" validate:"required"`
	Token  string `json:"token"`
}

// Service orchestrates deploys on nodes.
type Service struct {
	nodes   repository.NodeRepository
	agents  Agents
	secrets SecretEncoder
	logger  *slog.Logger
	cfg     config.APIConfig
}

// New returns a deploy service.
func New(nodes repository.NodeRepository, agents Agents, secrets SecretEncoder, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		nodes:   nodes,
		agents:  agents,
		secrets: secrets,
		logger:  logger.With("component", "deploy_service"),
		cfg:     cfg,
	}
}

// CreateDeploy registers a deploy on the node's agent and stores it on the
// node. Nothing is stored when the agent refuses.
func (s Service) CreateDeploy(ctx context.Context, callerID string, input CreateInput) (domain.Deploy, error) {
	const op = "deploy.CreateDeploy"
	input.Repo = strings.TrimSpace(input.Repo)
	input.Title = strings.TrimSpace(input.Title)
	input.Branch = strings.TrimSpace(input.Branch)
	if err := validation.Struct(op, input); err != nil {
		return domain.Deploy{}, err
	}
	if input.Branch == "" {
		input.Branch = domain.DefaultBranch
	}
	secret, err := s.secrets.Encode(input.Repo)
	if err != nil {
		return domain.Deploy{}, apperr.Wrap(apperr.Internal, op, err)
	}

	node, err := s.authorize(ctx, op, callerID, input.NodeID)
	if err != nil {
		return domain.Deploy{}, err
	}

	deploy := domain.Deploy{
		ID:            uuid.NewString(),
		Repo:          input.Repo,
		Branch:        input.Branch,
		Title:         input.Title,
		AccessToken:   input.Token,
		WebhookSecret: secret,
		CreatedAt:     time.Now().UTC(),
	}
	err = s.agents.RegisterDeploy(ctx, node.AgentLogin, agent.RegisterDeployParams{
		DeployID:      deploy.ID,
		Repo:          deploy.Repo,
		Branch:        deploy.Branch,
		Title:         deploy.Title,
		Token:         deploy.AccessToken,
		WebhookSecret: deploy.WebhookSecret,
	})
	if err != nil {
		return domain.Deploy{}, agentError(op, err)
	}

	err = nodestore.Update(ctx, s.nodes, node, s.cfg.NodeSaveRetries, func(n *domain.Node) error {
		n.AddDeploy(deploy)
		return nil
	})
	if err != nil {
		s.logger.Error("deploy registered on agent but not stored", "node_id", node.ID, "deploy_id", deploy.ID, "error", err)
		return domain.Deploy{}, apperr.Partial(op, "agent registered the deploy but it was not stored", []apperr.SubFailure{
			{Step: "store_deploy", Target: deploy.ID, Err: nodestore.Classify(op, err)},
		})
	}
	s.logger.Info("deploy created", "node_id", node.ID, "deploy_id", deploy.ID, "repo", deploy.Repo, "user_id", callerID)
	return deploy, nil
}

var errAlreadyDetached = errors.New("deploy already detached")

// DeleteDeploy drops the deploy from the node and from the agent at the same
// time. Exactly one of the two failing is reported as a partial failure.
func (s Service) DeleteDeploy(ctx context.Context, callerID, nodeID, deployID string) error {
	const op = "deploy.DeleteDeploy"
	node, deploy, err := s.resolve(ctx, op, callerID, nodeID, deployID)
	if err != nil {
		return err
	}
	login := node.AgentLogin

	var g errgroup.Group
	var storeErr, remoteErr error
	g.Go(func() error {
		storeErr = nodestore.Update(ctx, s.nodes, node, s.cfg.NodeSaveRetries, func(n *domain.Node) error {
			if !n.RemoveDeploy(deploy.ID) {
				return errAlreadyDetached
			}
			return nil
		})
		if errors.Is(storeErr, errAlreadyDetached) {
			storeErr = nil
		}
		return nil
	})
	g.Go(func() error {
		remoteErr = s.agents.RemoveDeploy(ctx, login, deploy.ID)
		return nil
	})
	_ = g.Wait()

	var failures []apperr.SubFailure
	if storeErr != nil {
		failures = append(failures, apperr.SubFailure{Step: "store_removal", Target: deploy.ID, Err: nodestore.Classify(op, storeErr)})
	}
	if remoteErr != nil {
		failures = append(failures, apperr.SubFailure{Step: "agent_removal", Target: deploy.ID, Err: agentError(op, remoteErr)})
	}
	switch len(failures) {
	case 0:
		s.logger.Info("deploy deleted", "node_id", nodeID, "deploy_id", deploy.ID, "user_id", callerID)
		return nil
	case 1:
		s.logger.Warn("deploy removal incomplete", "node_id", nodeID, "deploy_id", deploy.ID, "step", failures[0].Step, "error", failures[0].Err)
		return apperr.Partial(op, "deploy removal incomplete", failures)
	default:
		s.logger.Warn("deploy removal failed", "node_id", nodeID, "deploy_id", deploy.ID, "error", storeErr)
		return &apperr.Error{Kind: apperr.KindOf(failures[0].Err), Op: op, Msg: "deploy removal failed", Failures: failures}
	}
}

// StartDeploy starts the deploy and returns its status.
func (s Service) StartDeploy(ctx context.Context, callerID, nodeID, deployID string) (domain.DeployStatus, error) {
	return s.command(ctx, "deploy.StartDeploy", callerID, nodeID, deployID, s.agents.StartDeploy)
}

// StopDeploy stops the deploy and returns its status. Stopping a stopped
// deploy is left to the agent.
func (s Service) StopDeploy(ctx context.Context, callerID, nodeID, deployID string) (domain.DeployStatus, error) {
	return s.command(ctx, "deploy.StopDeploy", callerID, nodeID, deployID, s.agents.StopDeploy)
}

// FetchDeploy pulls the deploy's repository and returns its status.
func (s Service) FetchDeploy(ctx context.Context, callerID, nodeID, deployID string) (domain.DeployStatus, error) {
	return s.command(ctx, "deploy.FetchDeploy", callerID, nodeID, deployID, s.agents.FetchDeploy)
}

// GetDeployStatus returns the agent-reported status without changing anything.
func (s Service) GetDeployStatus(ctx context.Context, callerID, nodeID, deployID string) (domain.DeployStatus, error) {
	const op = "deploy.GetDeployStatus"
	node, deploy, err := s.resolve(ctx, op, callerID, nodeID, deployID)
	if err != nil {
		return domain.DeployStatus{}, err
	}
	return s.status(ctx, op, node, deploy)
}

func (s Service) command(ctx context.Context, op, callerID, nodeID, deployID string, run func(ctx context.Context, login, deployID string) error) (domain.DeployStatus, error) {
	node, deploy, err := s.resolve(ctx, op, callerID, nodeID, deployID)
	if err != nil {
		return domain.DeployStatus{}, err
	}
	if err := run(ctx, node.AgentLogin, deploy.ID); err != nil {
		return domain.DeployStatus{}, agentError(op, err)
	}
	s.logger.Info("deploy command sent", "op", op, "node_id", node.ID, "deploy_id", deploy.ID, "user_id", callerID)
	return s.status(ctx, op, node, deploy)
}

func (s Service) status(ctx context.Context, op string, node *domain.Node, deploy domain.Deploy) (domain.DeployStatus, error) {
	status, err := s.agents.GetDeployStatus(ctx, node.AgentLogin, deploy.ID)
	if err != nil {
		return domain.DeployStatus{}, agentError(op, err)
	}
	return domain.DeployStatus{
		ID:     deploy.ID,
		Title:  deploy.Title,
		Repo:   deploy.Repo,
		Branch: deploy.Branch,
		Status: status,
	}, nil
}

// authorize loads the node and checks membership and connectivity.
func (s Service) authorize(ctx context.Context, op, callerID, nodeID string) (*domain.Node, error) {
	if strings.TrimSpace(nodeID) == "" {
		return nil, apperr.E(apperr.Validation, op, "nodeId is required")
	}
	node, err := s.nodes.FindNodeByID(ctx, nodeID)
	if err != nil {
		return nil, nodestore.Classify(op, err)
	}
	if !access.CanAccessNode(callerID, node) {
		return nil, apperr.E(apperr.Unauthorized, op, "no access to node")
	}
	if !s.agents.IsConnected(node.AgentLogin) {
		return nil, apperr.E(apperr.NodeNotConnected, op, "node is not connected")
	}
	return node, nil
}

func (s Service) resolve(ctx context.Context, op, callerID, nodeID, deployID string) (*domain.Node, domain.Deploy, error) {
	if strings.TrimSpace(deployID) == "" {
		return nil, domain.Deploy{}, apperr.E(apperr.Validation, op, "deployId is required")
	}
	node, err := s.authorize(ctx, op, callerID, nodeID)
	if err != nil {
		return nil, domain.Deploy{}, err
	}
	deploy, ok := node.FindDeploy(deployID)
	if !ok {
		return nil, domain.Deploy{}, apperr.E(apperr.NotFound, op, "deploy does not exist")
	}
	return node, deploy, nil
}

func agentError(op string, err error) error {
	if errors.Is(err, agent.ErrNotConnected) {
		return apperr.Wrap(apperr.NodeNotConnected, op, err)
	}
	return apperr.Wrap(apperr.AgentUnavailable, op, err)
}
