package common

import (
	"context"
	"errors"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/auth"
)

// ErrNoPrincipal is returned when a tool runs without an authenticated
// principal in its context.
var ErrNoPrincipal = errors.New("no authenticated principal")

// PrincipalFromContext returns the principal the HTTP auth middleware placed
// in ctx.
func PrincipalFromContext(ctx context.Context) (*auth.AuthContext, error) {
	ac, ok := auth.FromContext(ctx)
	if !ok {
		return nil, ErrNoPrincipal
	}
	return ac, nil
}
