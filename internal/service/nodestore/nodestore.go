// Package nodestore applies mutations to stored nodes under optimistic locking.
package nodestore

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/itkpi/hawkeye-central/internal/apperr"
	"github.com/itkpi/hawkeye-central/internal/domain"
	"github.com/itkpi/hawkeye-central/internal/repository"
)

const conflictBackoff = 15 * time.Millisecond

// Store is the subset of the node repository needed to reload and save.
type Store interface {
	FindNodeByID(ctx context.Context, id string) (*domain.Node, error)
	SaveNode(ctx context.Context, node *domain.Node) error
}

// Update applies mutate to node and saves it. When the save loses a version
// race the node is reloaded, mutate is applied again and the save retried, at
// most retries times. node holds the saved state on success. An error returned
// by mutate aborts without saving.
func Update(ctx context.Context, store Store, node *domain.Node, retries int, mutate func(*domain.Node) error) error {
	if retries < 0 {
		retries = 0
	}
	backoff := retry.WithMaxRetries(uint64(retries), retry.NewConstant(conflictBackoff))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			fresh, err := store.FindNodeByID(ctx, node.ID)
			if err != nil {
				return err
			}
			*node = *fresh
		}
		attempt++
		if err := mutate(node); err != nil {
			return err
		}
		if err := store.SaveNode(ctx, node); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// Classify translates a repository error into the service taxonomy. Errors
// that are already classified pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *apperr.Error
	switch {
	case errors.As(err, &classified):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, op, err)
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrDuplicate):
		return apperr.Wrap(apperr.Conflict, op, err)
	default:
		return apperr.Wrap(apperr.StorageUnavailable, op, err)
	}
}
