package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

type contextKey string

const ctxAPIKeyKey contextKey = "api_key_id"

// APIKeySet holds SHA-256 digests of the accepted API keys.
type APIKeySet struct {
	hashes [][sha256.Size]byte
}

// NewAPIKeySet hashes the given raw keys. Empty keys are ignored.
func NewAPIKeySet(keys []string) *APIKeySet {
	s := &APIKeySet{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			s.hashes = append(s.hashes, sha256.Sum256([]byte(k)))
		}
	}
	return s
}

// Empty reports whether no keys are configured.
func (s *APIKeySet) Empty() bool { return s == nil || len(s.hashes) == 0 }

// Match returns the short id of the matching key.
func (s *APIKeySet) Match(raw string) (string, bool) {
	if s.Empty() || raw == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(raw))
	for _, h := range s.hashes {
		if subtle.ConstantTimeCompare(sum[:], h[:]) == 1 {
			return hex.EncodeToString(sum[:4]), true
		}
	}
	return "", false
}

// APIKeyAuth admits requests carrying an accepted key in X-API-Key or an
// Authorization Bearer header. With no keys configured it lets everything
// through.
func APIKeyAuth(keys *APIKeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keys.Empty() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-API-Key")
			if raw == "" {
				raw = extractBearer(r)
			}
			if raw == "" {
				http.Error(w, `{"error":"missing api key"}`, http.StatusUnauthorized)
				return
			}
			id, ok := keys.Match(raw)
			if !ok {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAPIKeyID(r.Context(), id)))
		})
	}
}

// APIKeyIDFromCtx returns the short id of the authenticated key, or "".
func APIKeyIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxAPIKeyKey).(string)
	return id
}

// WithAPIKeyID returns a context carrying the key id.
func WithAPIKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxAPIKeyKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
