package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/itkpi/hawkeye-central/internal/apperr"
)

type authInfo struct {
	UserID string
}

type authKey struct{}

var (
	errNoAuthorization  = errors.New("missing authorization header")
	errBadAuthorization = errors.New("authorization header is not a bearer token")
)

// requireAuth resolves the caller from the bearer token. Handlers behind it
// read the caller with authInfoFromContext.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="hawkeye"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, _, err := r.auth.Authorize(req.Context(), token)
		switch {
		case err == nil:
		case apperr.KindOf(err) == apperr.Unauthorized:
			r.logger.Warn("token rejected", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		default:
			r.writeServiceError(w, req, err, true)
			return
		}

		ctx := context.WithValue(req.Context(), authKey{}, authInfo{UserID: user.ID})
		// lets audit log the caller
		if rec, ok := w.(*statusRecorder); ok {
			rec.ctx = ctx
		}
		next(w, req.WithContext(ctx))
	}
}

func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authKey{}).(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errNoAuthorization
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errBadAuthorization
	}
	return token, nil
}
