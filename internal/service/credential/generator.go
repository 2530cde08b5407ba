// Package credential issues agent logins and passwords for new nodes.
package credential

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/itkpi/hawkeye-central/internal/apperr"
	"github.com/itkpi/hawkeye-central/pkg/crypto"
)

const (
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// bytes at or above this value are rejected to keep the draw uniform
	rejectAbove = 256 - 256%len(alphabet)

	defaultLoginLength = 8
	defaultMaxAttempts = 32
)

// LoginChecker reports whether an agent login is already registered.
type LoginChecker interface {
	ExistsNodeWithLogin(ctx context.Context, login string) (bool, error)
}

// Generator draws random agent credentials.
type Generator struct {
	checker     LoginChecker
	loginLen    int
	passwordLen int
	maxAttempts int
	random      io.Reader
}

// New returns a Generator. Lengths below the defaults are raised to them.
func New(checker LoginChecker, loginLen, passwordLen int) Generator {
	if loginLen <= 0 {
		loginLen = defaultLoginLength
	}
	if passwordLen < crypto.MinPasswordLength {
		passwordLen = crypto.MinPasswordLength
	}
	return Generator{
		checker:     checker,
		loginLen:    loginLen,
		passwordLen: passwordLen,
		maxAttempts: defaultMaxAttempts,
		random:      rand.Reader,
	}
}

// GenerateUniqueLogin draws logins until storage reports one as unused. After
// maxAttempts taken draws it gives up with StorageUnavailable, which callers
// may retry.
func (g Generator) GenerateUniqueLogin(ctx context.Context) (string, error) {
	const op = "credential.GenerateUniqueLogin"
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", apperr.Wrap(apperr.StorageUnavailable, op, err)
		}
		login, err := g.randomString(g.loginLen)
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, op, err)
		}
		taken, err := g.checker.ExistsNodeWithLogin(ctx, login)
		if err != nil {
			return "", apperr.Wrap(apperr.StorageUnavailable, op, err)
		}
		if !taken {
			return login, nil
		}
	}
	return "", apperr.E(apperr.StorageUnavailable, op, fmt.Sprintf("no free login after %d attempts", g.maxAttempts))
}

// GeneratePassword returns a random plaintext password.
func (g Generator) GeneratePassword() (string, error) {
	pass, err := g.randomString(g.passwordLen)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "credential.GeneratePassword", err)
	}
	return pass, nil
}

func (g Generator) randomString(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
