// Package memory is an in-process repository used for local runs and tests.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/internal/repository"
)

// Repository stores users and nodes in maps guarded by a mutex. Values are
// copied on the way in and out so callers never share state with the store.
type Repository struct {
	mu    sync.RWMutex
	users map[string]domain.User
	nodes map[string]domain.Node
}

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		users: make(map[string]domain.User),
		nodes: make(map[string]domain.Node),
	}
}

func copyUser(u domain.User) domain.User {
	u.NodeIDs = slices.Clone(u.NodeIDs)
	u.PasswordHash = slices.Clone(u.PasswordHash)
	return u
}

func copyNode(n domain.Node) domain.Node {
	n.UsersWithAccess = slices.Clone(n.UsersWithAccess)
	n.Deploys = slices.Clone(n.Deploys)
	n.AgentPasswordHash = slices.Clone(n.AgentPasswordHash)
	return n
}

func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, u := range r.users {
		if strings.EqualFold(u.Email, user.Email) {
			return repository.ErrDuplicate
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	r.users[user.ID] = copyUser(*user)
	return nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			out := copyUser(u)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Repository) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyUser(u)
	return &out, nil
}

func (r *Repository) SaveUser(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return repository.ErrNotFound
	}
	r.users[user.ID] = copyUser(*user)
	return nil
}

func (r *Repository) CreateNode(ctx context.Context, node *domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, n := range r.nodes {
		if n.AgentLogin == node.AgentLogin {
			return repository.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	node.Version = 1
	node.CreatedAt = now
	node.UpdatedAt = now
	r.nodes[node.ID] = copyNode(*node)
	return nil
}

func (r *Repository) FindNodeByID(ctx context.Context, id string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyNode(n)
	return &out, nil
}

func (r *Repository) FindNodeByLogin(ctx context.Context, login string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.AgentLogin == login {
			out := copyNode(n)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Repository) FindNodesByDeployRepo(ctx context.Context, repo string) ([]domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Node
	for _, n := range r.nodes {
		if len(n.DeploysForRepo(repo)) > 0 {
			out = append(out, copyNode(n))
		}
	}
	slices.SortFunc(out, func(a, b domain.Node) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Repository) SaveNode(ctx context.Context, node *domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.nodes[node.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != node.Version {
		return repository.ErrVersionConflict
	}
	node.Version++
	node.UpdatedAt = time.Now().UTC()
	r.nodes[node.ID] = copyNode(*node)
	return nil
}

func (r *Repository) DeleteNodeByID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.nodes, id)
	return nil
}

func (r *Repository) DeleteNodeAtVersion(ctx context.Context, id string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.nodes[id]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != version {
		return repository.ErrVersionConflict
	}
	delete(r.nodes, id)
	return nil
}

func (r *Repository) ExistsNodeWithLogin(ctx context.Context, login string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.AgentLogin == login {
			return true, nil
		}
	}
	return false, nil
}

var (
	_ repository.UserRepository = (*Repository)(nil)
	_ repository.NodeRepository = (*Repository)(nil)
)
