// Package chatsession binds a browser session to a chat conversation.
//
// The session id travels in an HS256-signed cookie. The conversation it
// belongs to lives in the key/value store under a keyed hash of the session
// id, with a sliding TTL. The conversation id is also carried in the token so
// a session survives a key/value outage.
package chatsession

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/contenox/tablechat/libcipher"
	"github.com/contenox/tablechat/libkvstore"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultCookieName = "tablechat_session"
	DefaultTTL        = 24 * time.Hour

	issuer    = "tablechat"
	keyPrefix = "chat:session:"
)

var (
	ErrInvalidSession = errors.New("invalid session token")
	ErrMissingKey     = errors.New("session signing key is required")
)

// EnsureFunc turns a possibly empty conversation id into a usable one.
type EnsureFunc func(ctx context.Context, existingID string) string

type Config struct {
	CookieName string
	SigningKey []byte
	TTL        time.Duration
	Secure     bool
}

type Claims struct {
	ConversationID string `json:"cid,omitempty"`
	jwt.RegisteredClaims
}

type Manager struct {
	kv     libkvstore.KVManager
	ensure EnsureFunc
	cfg    Config
}

func New(kv libkvstore.KVManager, ensure EnsureFunc, cfg Config) (*Manager, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, ErrMissingKey
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Manager{kv: kv, ensure: ensure, cfg: cfg}, nil
}

// ConversationID returns the conversation bound to the request's session,
// creating the session and the conversation when either is missing. The
// cookie is reissued on every call so the session expiry slides.
func (m *Manager) ConversationID(w http.ResponseWriter, r *http.Request) string {
	ctx := r.Context()

	var sessionID, fromToken string
	if c, err := r.Cookie(m.cfg.CookieName); err == nil {
		claims, err := m.Parse(c.Value)
		if err != nil {
			slog.DebugContext(ctx, "discarding chat session cookie", "error", err)
		} else {
			sessionID, fromToken = claims.Subject, claims.ConversationID
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	bound, err := m.lookup(ctx, sessionID)
	if err != nil && !errors.Is(err, libkvstore.ErrNotFound) {
		slog.WarnContext(ctx, "chat session lookup failed, using token binding", "error", err)
	}
	if bound == "" {
		bound = fromToken
	}

	conversationID := m.ensure(ctx, bound)
	if err := m.bind(ctx, sessionID, conversationID); err != nil {
		slog.WarnContext(ctx, "failed to store chat session binding", "error", err)
	}

	token, err := m.Issue(sessionID, conversationID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to sign chat session", "error", err)
		return conversationID
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.cfg.TTL.Seconds()),
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return conversationID
}

// Issue signs a session token for sessionID.
func (m *Manager) Issue(sessionID, conversationID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		ConversationID: conversationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.SigningKey)
}

// Parse validates the signature, issuer and expiry of a session token.
func (m *Manager) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return m.cfg.SigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

func (m *Manager) key(sessionID string) (string, error) {
	sum, err := libcipher.NewHash(libcipher.GenerateHashArgs{
		Payload:    []byte(sessionID),
		SigningKey: m.cfg.SigningKey,
		Salt:       []byte(keyPrefix),
	}, sha256.New)
	if err != nil {
		return "", err
	}
	return keyPrefix + hex.EncodeToString(sum), nil
}

func (m *Manager) lookup(ctx context.Context, sessionID string) (string, error) {
	if m.kv == nil {
		return "", libkvstore.ErrNotFound
	}
	key, err := m.key(sessionID)
	if err != nil {
		return "", err
	}
	exec, err := m.kv.Executor(ctx)
	if err != nil {
		return "", err
	}
	raw, err := exec.Get(ctx, key)
	if err != nil {
		return "", err
	}
	var conversationID string
	if err := json.Unmarshal(raw, &conversationID); err != nil {
		return "", fmt.Errorf("corrupt session binding: %w", err)
	}
	return conversationID, nil
}

func (m *Manager) bind(ctx context.Context, sessionID, conversationID string) error {
	if m.kv == nil {
		return nil
	}
	key, err := m.key(sessionID)
	if err != nil {
		return err
	}
	exec, err := m.kv.Executor(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(conversationID)
	if err != nil {
		return err
	}
	return exec.SetWithTTL(ctx, key, raw, m.cfg.TTL)
}
