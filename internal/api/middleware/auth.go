package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mindscope/internal/api/response"
	"github.com/kiranshivaraju/mindscope/internal/apikey"
	"github.com/kiranshivaraju/mindscope/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore is the slice of the store the auth middleware needs.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth resolves Bearer API keys to users.
type Auth struct {
	keys   KeyStore
	logger *slog.Logger
}

// NewAuth creates a new Auth middleware.
func NewAuth(keys KeyStore, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auth{keys: keys, logger: logger}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// the user id and key prefix in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"AUTH_ERROR", "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < apikey.PrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"AUTH_ERROR", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:apikey.PrefixLen]
		keys, err := a.keys.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			a.logger.Error("looking up api key", "error", err, "request_id", RequestIDFrom(r.Context()))
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
				continue
			}
			ctx := SetUserID(r.Context(), key.UserID)
			ctx = SetKeyPrefix(ctx, prefix)
			go a.touch(context.WithoutCancel(ctx), key.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		response.Error(w, http.StatusUnauthorized, "AUTH_ERROR", "Invalid API key", nil)
	})
}

func (a *Auth) touch(ctx context.Context, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.keys.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		a.logger.Warn("updating api key last used", "key_id", id, "error", err)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
