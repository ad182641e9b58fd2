package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned by Authorize for every failure cause alike.
var ErrUnauthorized = errors.New("unauthorized")

// DefaultTokenTTL matches the one-week lifetime of task tokens.
const DefaultTokenTTL = 7 * 24 * time.Hour

// Guard mints and checks task-scoped capability tokens and the privileged
// admin credential.
type Guard struct {
	secret    []byte
	adminHash []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewGuard returns a Guard signing with secret. adminHash is the bcrypt hash
// of the privileged credential; empty disables privileged access.
func NewGuard(secret []byte, adminHash []byte, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Guard{secret: secret, adminHash: adminHash, ttl: ttl, now: time.Now}
}

// HashAdminSecret bcrypts a plaintext admin secret for NewGuard.
func HashAdminSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, nil
	}
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

type claims struct {
	jwt.RegisteredClaims
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
}

// Issue mints a token bound to (taskID, userID) expiring after the guard's TTL.
func (g *Guard) Issue(taskID, userID string) (string, error) {
	now := g.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		TaskID: taskID,
		UserID: userID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(g.secret)
}

// Verify reports whether token is a valid, unexpired token for exactly
// (taskID, userID).
func (g *Guard) Verify(token, taskID, userID string) bool {
	if token == "" {
		return false
	}
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return false
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return false
	}
	return c.TaskID == taskID && c.UserID == userID
}

// VerifyPrivileged reports whether credential is the admin secret.
func (g *Guard) VerifyPrivileged(credential string) bool {
	if len(g.adminHash) == 0 || credential == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.adminHash, []byte(credential)) == nil
}

// Capability is a credential presented for a task-scoped action.
type Capability interface {
	privileged() bool
	grants(g *Guard, taskID, userID string) bool
}

// TaskToken is a token minted by Issue.
type TaskToken string

func (TaskToken) privileged() bool { return false }

func (t TaskToken) grants(g *Guard, taskID, userID string) bool {
	return g.Verify(string(t), taskID, userID)
}

// PrivilegedKey is the admin credential; it is not bound to any task.
type PrivilegedKey string

func (PrivilegedKey) privileged() bool { return true }

func (k PrivilegedKey) grants(g *Guard, _, _ string) bool {
	return g.VerifyPrivileged(string(k))
}

// Authorize is the single authorization entry point. Privileged capabilities
// are checked before task tokens.
func (g *Guard) Authorize(taskID, userID string, caps ...Capability) error {
	_, err := g.authorize(taskID, userID, caps)
	return err
}

// AuthorizePrivileged is Authorize that also reports whether access was
// granted by a privileged capability.
func (g *Guard) AuthorizePrivileged(taskID, userID string, caps ...Capability) (bool, error) {
	return g.authorize(taskID, userID, caps)
}

func (g *Guard) authorize(taskID, userID string, caps []Capability) (bool, error) {
	for _, c := range caps {
		if c != nil && c.privileged() && c.grants(g, taskID, userID) {
			return true, nil
		}
	}
	for _, c := range caps {
		if c != nil && !c.privileged() && c.grants(g, taskID, userID) {
			return false, nil
		}
	}
	return false, ErrUnauthorized
}
