package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"messenger/internal/models"
)

const bulkUsersMethod = "/user.UserInternal/BulkUsers"

// UserClient wraps the user-service gRPC client. BulkUsers exchanges a list
// of ids for a list of {id, display_name, avatar_url} structs.
type UserClient struct {
	conn grpc.ClientConnInterface
}

// NewUserClient constructs the wrapper.
func NewUserClient(conn grpc.ClientConnInterface) *UserClient {
	return &UserClient{conn: conn}
}

// BulkUsers fetches multiple profiles in one call. Unknown ids are absent
// from the result.
func (u *UserClient) BulkUsers(ctx context.Context, ids []int) ([]models.Profile, error) {
	if len(ids) == 0 {
		return []models.Profile{}, nil
	}
	values := make([]any, 0, len(ids))
	for _, id := range ids {
		values = append(values, float64(id))
	}
	req, err := structpb.NewList(values)
	if err != nil {
		return nil, fmt.Errorf("encode ids: %w", err)
	}

	resp := &structpb.ListValue{}
	if err := u.conn.Invoke(ctx, bulkUsersMethod, req, resp); err != nil {
		return nil, err
	}
	return decodeProfiles(resp), nil
}

func decodeProfiles(list *structpb.ListValue) []models.Profile {
	out := make([]models.Profile, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		id := int(fields["id"].GetNumberValue())
		if id == 0 {
			continue
		}
		out = append(out, models.Profile{
			ID:          id,
			DisplayName: fields["display_name"].GetStringValue(),
			AvatarURL:   fields["avatar_url"].GetStringValue(),
		})
	}
	return out
}
