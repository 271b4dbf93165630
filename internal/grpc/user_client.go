package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"marketplace-chat/internal/models"
)

const bulkProfilesMethod = "/users.v1.UserDirectory/BulkProfiles"

// UserClient reads profile snapshots from the user directory.
type UserClient struct {
	conn grpc.ClientConnInterface
}

// NewUserClient constructs the wrapper.
func NewUserClient(conn grpc.ClientConnInterface) *UserClient {
	return &UserClient{conn: conn}
}

// BulkProfiles fetches multiple profiles in one call. Unknown ids are omitted.
func (u *UserClient) BulkProfiles(ctx context.Context, ids []string) ([]models.Profile, error) {
	if len(ids) == 0 {
		return []models.Profile{}, nil
	}

	values := make([]*structpb.Value, 0, len(ids))
	for _, id := range ids {
		values = append(values, structpb.NewStringValue(id))
	}

	resp := new(structpb.ListValue)
	if err := u.conn.Invoke(ctx, bulkProfilesMethod, &structpb.ListValue{Values: values}, resp); err != nil {
		return nil, err
	}

	profiles := make([]models.Profile, 0, len(resp.GetValues()))
	for _, v := range resp.GetValues() {
		fields := v.GetStructValue().GetFields()
		id := fields["id"].GetStringValue()
		if id == "" {
			continue
		}
		profiles = append(profiles, models.Profile{
			ID:          id,
			DisplayName: fields["displayName"].GetStringValue(),
			AvatarURL:   fields["avatarUrl"].GetStringValue(),
		})
	}
	return profiles, nil
}
