package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kiranshivaraju/etlgate/internal/api/response"
	"github.com/kiranshivaraju/etlgate/internal/apperr"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// AgentKeyHeader carries an agent's raw key.
const AgentKeyHeader = "X-Agent-Key"

const agentKeyMarker = "ak_"

// AgentAuthenticator resolves a raw agent key to its agent.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*models.Agent, error)
}

// Auth authenticates agents by key and users by HS256 bearer token.
type Auth struct {
	agents    AgentAuthenticator
	jwtSecret []byte
}

// NewAuth creates a new Auth middleware.
func NewAuth(agents AgentAuthenticator, jwtSecret string) *Auth {
	return &Auth{agents: agents, jwtSecret: []byte(jwtSecret)}
}

// Agent requires an agent key, either in X-Agent-Key or as a bearer token
// starting with "ak_". The agent is stored in the request context.
func (a *Auth) Agent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractAgentKey(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing agent key", nil)
			return
		}

		agent, ok := a.authenticateAgent(w, r, rawKey)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(withAgent(r.Context(), agent)))
	})
}

// User requires a signed user token whose subject becomes the creator identity.
func (a *Auth) User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" || strings.HasPrefix(token, agentKeyMarker) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		subject, err := ParseUserToken(token, a.jwtSecret)
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid user token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), subject)))
	})
}

// AgentOrUser accepts either credential. It is used by read endpoints shared
// by agents and the web client.
func (a *Auth) AgentOrUser(next http.Handler) http.Handler {
	agentNext := a.Agent(next)
	userNext := a.User(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if extractAgentKey(r) != "" {
			agentNext.ServeHTTP(w, r)
			return
		}
		userNext.ServeHTTP(w, r)
	})
}

func (a *Auth) authenticateAgent(w http.ResponseWriter, r *http.Request, rawKey string) (*models.Agent, bool) {
	agent, err := a.agents.Authenticate(r.Context(), rawKey)
	if err == nil {
		return agent, true
	}
	if errors.Is(err, apperr.ErrUnauthorized) {
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid agent key", nil)
		return nil, false
	}
	slog.Error("agent key lookup failed", "error", err)
	response.Error(w, http.StatusInternalServerError,
		"INTERNAL_ERROR", "Failed to validate agent key", nil)
	return nil, false
}

func withAgent(ctx context.Context, agent *models.Agent) context.Context {
	ctx = SetAgent(ctx, agent)
	return setRateSubject(ctx, "agent:"+agent.KeyPrefix)
}

func withUser(ctx context.Context, subject string) context.Context {
	ctx = SetUser(ctx, subject)
	return setRateSubject(ctx, "user:"+subject)
}

type userClaims struct {
	jwt.RegisteredClaims
}

// ParseUserToken verifies an HS256 token and returns its subject.
func ParseUserToken(token string, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &userClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

// IssueUserToken signs an HS256 token for subject. A zero ttl issues a token
// without expiry.
func IssueUserToken(subject string, secret []byte, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := userClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   "etlgate",
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func extractAgentKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(AgentKeyHeader)); key != "" {
		return key
	}
	if token := extractBearerToken(r); strings.HasPrefix(token, agentKeyMarker) {
		return token
	}
	return ""
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
