package port

import (
	"context"
	"errors"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}
