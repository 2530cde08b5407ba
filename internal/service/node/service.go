// Package node implements the node lifecycle: creation with generated agent
// credentials, shared access and deletion.
package node

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/itkpi/hawkeye-central/internal/apperr"
	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/internal/repository"
	"github.com/itkpi/hawkeye-central/internal/service/access"
	"github.com/itkpi/hawkeye-central/internal/service/nodestore"
	"github.com/itkpi/hawkeye-central/internal/service/validation"
	"github.com/itkpi/hawkeye-central/pkg/config"
)

// CredentialGenerator issues agent logins and passwords.
type CredentialGenerator interface {
	GenerateUniqueLogin(ctx context.Context) (string, error)
	GeneratePassword() (string, error)
}

// PasswordHasher hashes agent passwords before they are stored.
type PasswordHasher interface {
	HashPassword(plain string) ([]byte, error)
}

// Connectivity reports whether a node's agent is online.
type Connectivity interface {
	IsConnected(login string) bool
}

// Service orchestrates node management.
type Service struct {
	nodes  repository.NodeRepository
	users  repository.UserRepository
	creds  CredentialGenerator
	hasher PasswordHasher
	agents Connectivity
	logger *slog.Logger
	cfg    config.APIConfig
}

// New returns a node service.
func New(nodes repository.NodeRepository, users repository.UserRepository, creds CredentialGenerator, hasher PasswordHasher, agents Connectivity, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		nodes:  nodes,
		users:  users,
		creds:  creds,
		hasher: hasher,
		agents: agents,
		logger: logger.With("component", "node_service"),
		cfg:    cfg,
	}
}

// View is a node as shown to its users.
type View struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	AgentLogin      string       `json:"agentLogin"`
	UsersWithAccess []string     `json:"usersWithAccess"`
	Deploys         []DeployView `json:"deploys"`
	Connected       bool         `json:"connected"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// DeployView omits the deploy's repository access token.
type DeployView struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Repo          string `json:"repo"`
	Branch        string `json:"branch"`
	WebhookSecret string `json:"webhookSecret"`
}

type createNodeInput struct {
	CreatorID string `json:"creatorId" validate:"required"`
	Title     string `json:"title" validate:"required,min=4"`
}

type grantAccessInput struct {
	NodeID string `json:"nodeId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

// CreateNode registers a node owned by creatorID. The plaintext agent password
// is only ever returned here.
func (s Service) CreateNode(ctx context.Context, creatorID, title string) (*domain.Node, domain.NodeCredentials, error) {
	const op = "node.CreateNode"
	title = strings.TrimSpace(title)
	if err := validation.Struct(op, createNodeInput{CreatorID: creatorID, Title: title}); err != nil {
		return nil, domain.NodeCredentials{}, err
	}
	creator, err := s.users.FindUserByID(ctx, creatorID)
	if err != nil {
		return nil, domain.NodeCredentials{}, nodestore.Classify(op, err)
	}

	login, err := s.creds.GenerateUniqueLogin(ctx)
	if err != nil {
		return nil, domain.NodeCredentials{}, err
	}
	password, err := s.creds.GeneratePassword()
	if err != nil {
		return nil, domain.NodeCredentials{}, err
	}
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, domain.NodeCredentials{}, apperr.Wrap(apperr.Internal, op, err)
	}

	node := &domain.Node{
		ID:                uuid.NewString(),
		Title:             title,
		AgentLogin:        login,
		AgentPasswordHash: hash,
		UsersWithAccess:   []string{creator.ID},
	}
	if err := s.nodes.CreateNode(ctx, node); err != nil {
		return nil, domain.NodeCredentials{}, nodestore.Classify(op, err)
	}

	creator.AddNode(node.ID)
	if err := s.users.SaveUser(ctx, creator); err != nil {
		failures := []apperr.SubFailure{{Step: "attach_user", Target: creator.ID, Err: nodestore.Classify(op, err)}}
		if derr := s.nodes.DeleteNodeByID(ctx, node.ID); derr != nil {
			failures = append(failures, apperr.SubFailure{Step: "rollback_node", Target: node.ID, Err: nodestore.Classify(op, derr)})
			s.logger.Error("node left without owner reference", "node_id", node.ID, "user_id", creator.ID, "error", derr)
		}
		s.logger.Warn("node creation incomplete", "node_id", node.ID, "user_id", creator.ID, "error", err)
		return nil, domain.NodeCredentials{}, apperr.Partial(op, "node stored but owner reference failed", failures)
	}

	s.logger.Info("node created", "node_id", node.ID, "user_id", creator.ID, "agent_login", login)
	return node, domain.NodeCredentials{Login: login, Password: password}, nil
}

// DeleteNode removes a node once every user reference to it is detached. The
// delete only succeeds against the node version the checks ran on; when the
// node changed meanwhile the checks are repeated on the fresh state, and a node
// that is no longer deletable gets its user references restored.
func (s Service) DeleteNode(ctx context.Context, callerID, nodeID string) error {
	const op = "node.DeleteNode"
	node, err := s.nodes.FindNodeByID(ctx, nodeID)
	if err != nil {
		return nodestore.Classify(op, err)
	}

	detached := false
	for attempt := 0; ; attempt++ {
		if err := checkDeletable(op, callerID, node); err != nil {
			if detached {
				return s.abortDelete(ctx, op, node, err)
			}
			return err
		}

		if failures := s.eachUser(op, "detach_user", node, func(userID string) error {
			return s.detachUser(ctx, userID, node.ID)
		}); len(failures) > 0 {
			for _, f := range failures {
				s.logger.Error("user detach failed", "node_id", node.ID, "user_id", f.Target, "error", f.Err)
			}
			return apperr.Partial(op, "node users not fully detached", failures)
		}
		detached = true

		err := s.nodes.DeleteNodeAtVersion(ctx, node.ID, node.Version)
		switch {
		case err == nil:
			s.logger.Info("node deleted", "node_id", node.ID, "user_id", callerID)
			return nil
		case errors.Is(err, repository.ErrNotFound):
			return nodestore.Classify(op, err)
		case !errors.Is(err, repository.ErrVersionConflict):
			return s.abortDelete(ctx, op, node, nodestore.Classify(op, err))
		case attempt >= s.cfg.NodeSaveRetries:
			return s.abortDelete(ctx, op, node, apperr.E(apperr.Conflict, op, "node changed during deletion"))
		}

		s.logger.Debug("node changed during deletion, rechecking", "node_id", node.ID, "attempt", attempt+1)
		fresh, err := s.nodes.FindNodeByID(ctx, nodeID)
		if errors.Is(err, repository.ErrNotFound) {
			return nodestore.Classify(op, err)
		}
		if err != nil {
			return s.abortDelete(ctx, op, node, nodestore.Classify(op, err))
		}
		node = fresh
	}
}

func checkDeletable(op, callerID string, node *domain.Node) error {
	if !access.CanAccessNode(callerID, node) {
		return apperr.E(apperr.Unauthorized, op, "no access to node")
	}
	if !access.CanDeleteNode(callerID, node) {
		return apperr.E(apperr.Conflict, op, "node still has deploys")
	}
	return nil
}

// abortDelete puts the node reference back on every member of the surviving
// node and returns cause, or a partial failure when some references could not
// be restored.
func (s Service) abortDelete(ctx context.Context, op string, node *domain.Node, cause error) error {
	failures := s.eachUser(op, "attach_user", node, func(userID string) error {
		return s.attachUser(ctx, userID, node.ID)
	})
	if len(failures) == 0 {
		s.logger.Warn("node deletion aborted", "node_id", node.ID, "error", cause)
		return cause
	}
	for _, f := range failures {
		s.logger.Error("user reattach failed", "node_id", node.ID, "user_id", f.Target, "error", f.Err)
	}
	return apperr.Partial(op, "node kept but user references not restored", failures)
}

// eachUser runs fn for every member concurrently and waits for all of them.
func (s Service) eachUser(op, step string, node *domain.Node, fn func(userID string) error) []apperr.SubFailure {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []apperr.SubFailure
	)
	for _, userID := range node.UsersWithAccess {
		userID := userID
		g.Go(func() error {
			if err := fn(userID); err != nil {
				mu.Lock()
				failures = append(failures, apperr.SubFailure{Step: step, Target: userID, Err: nodestore.Classify(op, err)})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func (s Service) detachUser(ctx context.Context, userID, nodeID string) error {
	user, err := s.users.FindUserByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !user.RemoveNode(nodeID) {
		return nil
	}
	return s.users.SaveUser(ctx, user)
}

func (s Service) attachUser(ctx context.Context, userID, nodeID string) error {
	user, err := s.users.FindUserByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	user.AddNode(nodeID)
	return s.users.SaveUser(ctx, user)
}

// GrantAccess adds userID to the node's members. Granting an existing member
// only repairs the user's back-reference.
func (s Service) GrantAccess(ctx context.Context, callerID, nodeID, userID string) (*domain.Node, error) {
	const op = "node.GrantAccess"
	if err := validation.Struct(op, grantAccessInput{NodeID: nodeID, UserID: userID}); err != nil {
		return nil, err
	}
	node, err := s.nodes.FindNodeByID(ctx, nodeID)
	if err != nil {
		return nil, nodestore.Classify(op, err)
	}
	if !access.CanAccessNode(callerID, node) {
		return nil, apperr.E(apperr.Unauthorized, op, "no access to node")
	}
	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, nodestore.Classify(op, err)
	}

	if !node.HasUser(userID) {
		err := nodestore.Update(ctx, s.nodes, node, s.cfg.NodeSaveRetries, func(n *domain.Node) error {
			n.AddUser(userID)
			return nil
		})
		if err != nil {
			return nil, nodestore.Classify(op, err)
		}
	}

	user.AddNode(node.ID)
	if err := s.users.SaveUser(ctx, user); err != nil {
		s.logger.Warn("access granted without user reference", "node_id", node.ID, "user_id", userID, "error", err)
		return nil, apperr.Partial(op, "node updated but user reference failed", []apperr.SubFailure{
			{Step: "attach_user", Target: userID, Err: nodestore.Classify(op, err)},
		})
	}
	s.logger.Info("node access granted", "node_id", node.ID, "user_id", userID, "granted_by", callerID)
	return node, nil
}

// GetNode returns the node view when the caller is a member.
func (s Service) GetNode(ctx context.Context, callerID, nodeID string) (View, error) {
	const op = "node.GetNode"
	node, err := s.nodes.FindNodeByID(ctx, nodeID)
	if err != nil {
		return View{}, nodestore.Classify(op, err)
	}
	if !access.CanAccessNode(callerID, node) {
		return View{}, apperr.E(apperr.Unauthorized, op, "no access to node")
	}
	return s.view(node), nil
}

// ListNodes returns every node the caller's user record references. References
// to nodes that no longer exist are skipped.
func (s Service) ListNodes(ctx context.Context, callerID string) ([]View, error) {
	const op = "node.ListNodes"
	user, err := s.users.FindUserByID(ctx, callerID)
	if err != nil {
		return nil, nodestore.Classify(op, err)
	}
	views := make([]View, 0, len(user.NodeIDs))
	for _, id := range user.NodeIDs {
		node, err := s.nodes.FindNodeByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nodestore.Classify(op, err)
		}
		if !access.CanAccessNode(callerID, node) {
			continue
		}
		views = append(views, s.view(node))
	}
	return views, nil
}

func (s Service) view(node *domain.Node) View {
	deploys := make([]DeployView, 0, len(node.Deploys))
	for _, d := range node.Deploys {
		deploys = append(deploys, DeployView{
			ID:            d.ID,
			Title:         d.Title,
			Repo:          d.Repo,
			Branch:        d.Branch,
			WebhookSecret: d.WebhookSecret,
		})
	}
	return View{
		ID:              node.ID,
		Title:           node.Title,
		AgentLogin:      node.AgentLogin,
		UsersWithAccess: append([]string(nil), node.UsersWithAccess...),
		Deploys:         deploys,
		Connected:       s.agents != nil && s.agents.IsConnected(node.AgentLogin),
		CreatedAt:       node.CreatedAt,
	}
}
