package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// fakeServices answers both internal services without generated stubs.
func fakeServices(stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	switch method {
	case validateTokenMethod:
		req := &wrapperspb.StringValue{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		var id int64
		if req.GetValue() == "good" {
			id = 42
		}
		return stream.SendMsg(wrapperspb.Int64(id))
	case bulkUsersMethod:
		req := &structpb.ListValue{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		out := &structpb.ListValue{}
		for _, v := range req.GetValues() {
			if v.GetNumberValue() == 404 {
				continue
			}
			s, err := structpb.NewStruct(map[string]any{
				"id":           v.GetNumberValue(),
				"display_name": "user",
				"avatar_url":   "https://cdn/a.png",
			})
			if err != nil {
				return err
			}
			out.Values = append(out.Values, structpb.NewStructValue(s))
		}
		return stream.SendMsg(out)
	default:
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
}

func dialFake(t *testing.T) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		return fakeServices(stream)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestAuthClientValidateToken(t *testing.T) {
	client := NewAuthClient(dialFake(t))

	id, err := client.ValidateToken(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	_, err = client.ValidateToken(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserClientBulkUsers(t *testing.T) {
	client := NewUserClient(dialFake(t))

	profiles, err := client.BulkUsers(context.Background(), []int{2, 404, 3})
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, 2, profiles[0].ID)
	assert.Equal(t, "user", profiles[0].DisplayName)
	assert.Equal(t, 3, profiles[1].ID)

	empty, err := client.BulkUsers(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
