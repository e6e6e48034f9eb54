package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/etlgate/pkg/models"
)

type contextKey string

const (
	agentKey       contextKey = "agent"
	userSubjectKey contextKey = "user_subject"
	rateSubjectKey contextKey = "rate_subject"
)

// SetAgent stores the authenticated agent in ctx.
func SetAgent(ctx context.Context, a *models.Agent) context.Context {
	return context.WithValue(ctx, agentKey, a)
}

// GetAgent returns the agent set by Auth.Agent.
func GetAgent(r *http.Request) (*models.Agent, bool) {
	a, ok := r.Context().Value(agentKey).(*models.Agent)
	return a, ok && a != nil
}

// SetUser stores the creator identity taken from a user token.
func SetUser(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, userSubjectKey, subject)
}

// GetUser returns the creator identity set by Auth.User.
func GetUser(r *http.Request) (string, bool) {
	sub, ok := r.Context().Value(userSubjectKey).(string)
	return sub, ok && sub != ""
}

func setRateSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, rateSubjectKey, subject)
}

func getRateSubject(r *http.Request) (string, bool) {
	s, ok := r.Context().Value(rateSubjectKey).(string)
	return s, ok
}

// WithRateSubject sets the rate limit bucket on ctx (for testing).
func WithRateSubject(ctx context.Context, subject string) context.Context {
	return setRateSubject(ctx, subject)
}
