package repository

import (
	"context"

	"github.com/itkpi/hawkeye-central/internal/domain"
)

// UserRepository persists users and their node back-references.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	FindUserByID(ctx context.Context, id string) (*domain.User, error)
	// SaveUser replaces the user's node reference set.
	SaveUser(ctx context.Context, user *domain.User) error
}

// NodeRepository persists nodes together with their deploys.
type NodeRepository interface {
	// CreateNode inserts a new node and sets its Version.
	CreateNode(ctx context.Context, node *domain.Node) error
	FindNodeByID(ctx context.Context, id string) (*domain.Node, error)
	FindNodeByLogin(ctx context.Context, login string) (*domain.Node, error)
	// FindNodesByDeployRepo returns every node with at least one deploy tracking repo.
	FindNodesByDeployRepo(ctx context.Context, repo string) ([]domain.Node, error)
	// SaveNode writes the node if its Version still matches storage, otherwise
	// it returns ErrVersionConflict. On success Version is incremented.
	SaveNode(ctx context.Context, node *domain.Node) error
	// DeleteNodeByID removes the node whatever its version.
	DeleteNodeByID(ctx context.Context, id string) error
	// DeleteNodeAtVersion removes the node only if its Version still matches,
	// otherwise it returns ErrVersionConflict.
	DeleteNodeAtVersion(ctx context.Context, id string, version int64) error
	ExistsNodeWithLogin(ctx context.Context, login string) (bool, error)
}
