package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository = (*Repository)(nil)
	_ repository.NodeRepository = (*Repository)(nil)
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	return mapError(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	return r.scanUser(ctx, r.pool.QueryRow(ctx, query, email))
}

// FindUserByID retrieves a user by identifier along with node references.
func (r *Repository) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	return r.scanUser(ctx, r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(ctx context.Context, row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	const refs = `SELECT node_id FROM user_nodes WHERE user_id = $1 ORDER BY position`
	rows, err := r.pool.Query(ctx, refs, u.ID)
	if err != nil {
		return nil, err
	}
	nodeIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	u.NodeIDs = nodeIDs
	return &u, nil
}

// SaveUser replaces the stored node reference set of a user.
func (r *Repository) SaveUser(ctx context.Context, user *domain.User) error {
	if user == nil {
		return fmt.Errorf("user required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT true FROM users WHERE id = $1 FOR UPDATE`, user.ID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM user_nodes WHERE user_id = $1`, user.ID); err != nil {
		return err
	}
	if len(user.NodeIDs) > 0 {
		batch := &pgx.Batch{}
		for i, nodeID := range user.NodeIDs {
			batch.Queue(`INSERT INTO user_nodes (user_id, node_id, position) VALUES ($1, $2, $3)`, user.ID, nodeID, i)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit(ctx)
}

// CreateNode inserts a node with its access set and deploys.
func (r *Repository) CreateNode(ctx context.Context, node *domain.Node) error {
	if node == nil {
		return fmt.Errorf("node required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insert = `INSERT INTO nodes (id, title, agent_login, agent_password_hash, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW(), NOW()) RETURNING version, created_at, updated_at`
	if err := tx.QueryRow(ctx, insert, node.ID, node.Title, node.AgentLogin, node.AgentPasswordHash).
		Scan(&node.Version, &node.CreatedAt, &node.UpdatedAt); err != nil {
		return mapError(err)
	}
	if err := writeNodeChildren(ctx, tx, node); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindNodeByID loads a node and its children.
func (r *Repository) FindNodeByID(ctx context.Context, id string) (*domain.Node, error) {
	return r.findOne(ctx, `SELECT id FROM nodes WHERE id = $1`, id)
}

// FindNodeByLogin loads the node registered under an agent login.
func (r *Repository) FindNodeByLogin(ctx context.Context, login string) (*domain.Node, error) {
	return r.findOne(ctx, `SELECT id FROM nodes WHERE agent_login = $1`, login)
}

func (r *Repository) findOne(ctx context.Context, query string, arg string) (*domain.Node, error) {
	var id string
	if err := r.pool.QueryRow(ctx, query, arg).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	nodes, err := loadNodes(ctx, r.pool, []string{id})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, repository.ErrNotFound
	}
	return &nodes[0], nil
}

// FindNodesByDeployRepo returns every node hosting a deploy of repo.
func (r *Repository) FindNodesByDeployRepo(ctx context.Context, repo string) ([]domain.Node, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT node_id FROM deploys WHERE repo = $1 ORDER BY node_id`, repo)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.Node{}, nil
	}
	return loadNodes(ctx, r.pool, ids)
}

// SaveNode persists title, access set and deploys under an optimistic version check.
func (r *Repository) SaveNode(ctx context.Context, node *domain.Node) error {
	if node == nil {
		return fmt.Errorf("node required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const update = `UPDATE nodes SET title = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3
		RETURNING version, updated_at`
	var (
		version   int64
		updatedAt time.Time
	)
	if err := tx.QueryRow(ctx, update, node.ID, node.Title, node.Version).Scan(&version, &updatedAt); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return mapError(err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1)`, node.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrVersionConflict
	}
	if _, err := tx.Exec(ctx, `DELETE FROM node_users WHERE node_id = $1`, node.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM deploys WHERE node_id = $1`, node.ID); err != nil {
		return err
	}
	if err := writeNodeChildren(ctx, tx, node); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	node.Version = version
	node.UpdatedAt = updatedAt
	return nil
}

// DeleteNodeByID removes a node; children cascade.
func (r *Repository) DeleteNodeByID(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteNodeAtVersion removes a node unless it was saved since version was read.
func (r *Repository) DeleteNodeAtVersion(ctx context.Context, id string, version int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return repository.ErrVersionConflict
	}
	return repository.ErrNotFound
}

// ExistsNodeWithLogin reports whether an agent login is taken.
func (r *Repository) ExistsNodeWithLogin(ctx context.Context, login string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM nodes WHERE agent_login = $1)`, login).Scan(&exists)
	return exists, err
}

func writeNodeChildren(ctx context.Context, tx pgx.Tx, node *domain.Node) error {
	batch := &pgx.Batch{}
	for i, userID := range node.UsersWithAccess {
		batch.Queue(`INSERT INTO node_users (node_id, user_id, position) VALUES ($1, $2, $3)`, node.ID, userID, i)
	}
	const deployInsert = `INSERT INTO deploys (node_id, id, position, repo, branch, title, access_token, webhook_secret, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for i, d := range node.Deploys {
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(deployInsert, node.ID, d.ID, i, d.Repo, d.Branch, d.Title, nilIfEmpty(d.AccessToken), d.WebhookSecret, createdAt)
	}
	if batch.Len() == 0 {
		return nil
	}
	return mapError(tx.SendBatch(ctx, batch).Close())
}

func loadNodes(ctx context.Context, q querier, ids []string) ([]domain.Node, error) {
	const nodeQuery = `SELECT id, title, agent_login, agent_password_hash, version, created_at, updated_at
		FROM nodes WHERE id = ANY($1) ORDER BY created_at, id`
	rows, err := q.Query(ctx, nodeQuery, ids)
	if err != nil {
		return nil, err
	}
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Node, error) {
		var n domain.Node
		err := row.Scan(&n.ID, &n.Title, &n.AgentLogin, &n.AgentPasswordHash, &n.Version, &n.CreatedAt, &n.UpdatedAt)
		return n, err
	})
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(nodes))
	for i := range nodes {
		index[nodes[i].ID] = i
		nodes[i].UsersWithAccess = []string{}
		nodes[i].Deploys = []domain.Deploy{}
	}

	userRows, err := q.Query(ctx, `SELECT node_id, user_id FROM node_users WHERE node_id = ANY($1) ORDER BY node_id, position`, ids)
	if err != nil {
		return nil, err
	}
	defer userRows.Close()
	for userRows.Next() {
		var nodeID, userID string
		if err := userRows.Scan(&nodeID, &userID); err != nil {
			return nil, err
		}
		if i, ok := index[nodeID]; ok {
			nodes[i].UsersWithAccess = append(nodes[i].UsersWithAccess, userID)
		}
	}
	if err := userRows.Err(); err != nil {
		return nil, err
	}

	const deployQuery = `SELECT node_id, id, repo, branch, title, COALESCE(access_token, ''), webhook_secret, created_at
		FROM deploys WHERE node_id = ANY($1) ORDER BY node_id, position`
	deployRows, err := q.Query(ctx, deployQuery, ids)
	if err != nil {
		return nil, err
	}
	defer deployRows.Close()
	for deployRows.Next() {
		var (
			nodeID string
			d      domain.Deploy
		)
		if err := deployRows.Scan(&nodeID, &d.ID, &d.Repo, &d.Branch, &d.Title, &d.AccessToken, &d.WebhookSecret, &d.CreatedAt); err != nil {
			return nil, err
		}
		if i, ok := index[nodeID]; ok {
			nodes[i].Deploys = append(nodes[i].Deploys, d)
		}
	}
	return nodes, deployRows.Err()
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", repository.ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
