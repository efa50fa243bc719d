package rest

import (
	"context"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
)

type ctxKeySession struct{}

func withSession(ctx context.Context, s domain.Session) context.Context {
	return context.WithValue(ctx, ctxKeySession{}, s)
}

// SessionFrom returns the request's session; anonymous when no valid token
// was presented.
func SessionFrom(ctx context.Context) domain.Session {
	if s, ok := ctx.Value(ctxKeySession{}).(domain.Session); ok {
		return s
	}
	return domain.Anonymous()
}
