package webhook

import (
	"errors"
	"strings"

	"github.com/itkpi/hawkeye-central/internal/apperr"
)

// ErrInvalidSecret is returned for secrets that do not decode to a repository.
var ErrInvalidSecret = errors.New("invalid webhook secret")

// TokenCipher is a deterministic reversible cipher.
type TokenCipher interface {
	EncryptToken(value string) (string, error)
	DecryptToken(token string) (string, error)
}

// Codec maps repository locators to webhook secrets and back. The same
// repository always encodes to the same secret.
type Codec struct {
	cipher TokenCipher
}

// NewCodec returns a Codec over cipher.
func NewCodec(cipher TokenCipher) Codec {
	return Codec{cipher: cipher}
}

// Encode returns the webhook secret for repo.
func (c Codec) Encode(repo string) (string, error) {
	if strings.TrimSpace(repo) == "" {
		return "", apperr.E(apperr.Validation, "webhook.Encode", "repo is required")
	}
	return c.cipher.EncryptToken(repo)
}

// Decode recovers the repository from secret. Any failure is reported as an
// Unauthorized ErrInvalidSecret without detail.
func (c Codec) Decode(secret string) (string, error) {
	const op = "webhook.Decode"
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", apperr.Wrap(apperr.Unauthorized, op, ErrInvalidSecret)
	}
	repo, err := c.cipher.DecryptToken(secret)
	if err != nil || repo == "" {
		return "", apperr.Wrap(apperr.Unauthorized, op, ErrInvalidSecret)
	}
	return repo, nil
}
