package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// ErrInvalidToken is returned when auth-service does not resolve a user.
var ErrInvalidToken = errors.New("invalid token")

// AuthClient wraps the auth-service gRPC client. ValidateToken takes the raw
// bearer token as a StringValue and answers the user id as an Int64Value.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// ValidateToken verifies the JWT and returns the authenticated user id.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (int, error) {
	resp := &wrapperspb.Int64Value{}
	if err := a.conn.Invoke(ctx, validateTokenMethod, wrapperspb.String(token), resp); err != nil {
		return 0, err
	}
	if resp.GetValue() <= 0 {
		return 0, ErrInvalidToken
	}
	return int(resp.GetValue()), nil
}
