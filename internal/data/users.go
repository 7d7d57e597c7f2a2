// Package data provides DB models and stores.
package data

import (
	"context" // Used for cancellation and timeouts
	"errors"  // Error handling
	"fmt"
	"time" // Latency measurement

	"go.mongodb.org/mongo-driver/v2/bson"  // MongoDB document queries
	"go.mongodb.org/mongo-driver/v2/mongo" // MongoDB driver
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/metrics"
)

// ErrUserNotFound is returned when no profile exists for an id.
var ErrUserNotFound = errors.New("user not found")

// UsersStore performs user profile DB operations.
type UsersStore struct {
	// coll is the user_info collection; _id is the external identity id
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// ReplaceUserInfo inserts the profile when the id is unknown and otherwise
// overwrites every profile field. The existence check and the write happen in
// one atomic upsert, so concurrent or repeated sync events cannot create a
// duplicate row; created_at survives replacement, updated_at moves to the
// server's time.
func (u *UsersStore) ReplaceUserInfo(ctx context.Context, p UserProfile) (*UserInfo, error) {
	defer metrics.ObserveStore("replace_user", time.Now())

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			// Every field is written; absent input fields become empty
			// strings rather than keeping stale values
			{Key: "name", Value: literal(p.Name)},
			{Key: "nickname", Value: literal(p.Nickname)},
			{Key: "picture_url", Value: literal(p.PictureURL)},
			// $ifNull keeps the original creation time on updates
			{Key: "created_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$created_at", "$$NOW"}}}},
			{Key: "updated_at", Value: "$$NOW"},
		}}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var user UserInfo
	if err := u.coll.FindOneAndUpdate(ctx, bson.M{"_id": p.ID}, update, opts).Decode(&user); err != nil {
		return nil, fmt.Errorf("replace user %s: %w", p.ID, err)
	}
	return &user, nil
}

// GetUserInfo finds a profile by identity id.
func (u *UsersStore) GetUserInfo(ctx context.Context, id string) (*UserInfo, error) {
	defer metrics.ObserveStore("get_user", time.Now())

	var user UserInfo
	err := u.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &user, nil
}

// ListUserIDs returns the id of every known profile.
func (u *UsersStore) ListUserIDs(ctx context.Context) ([]string, error) {
	defer metrics.ObserveStore("list_user_ids", time.Now())

	var ids []string
	if err := u.coll.Distinct(ctx, "_id", bson.D{}).Decode(&ids); err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	return ids, nil
}

// ListUserInfo returns up to limit profiles ordered by id, starting after
// afterID (empty for the first page).
func (u *UsersStore) ListUserInfo(ctx context.Context, afterID string, limit int) ([]*UserInfo, error) {
	defer metrics.ObserveStore("list_users", time.Now())

	filter := bson.M{}
	if afterID != "" {
		filter["_id"] = bson.M{"$gt": afterID}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := u.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer cursor.Close(ctx)

	users := []*UserInfo{}
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

// DeleteUserInfo removes a profile. It reports false when none existed;
// deleting an absent profile is not an error.
func (u *UsersStore) DeleteUserInfo(ctx context.Context, id string) (bool, error) {
	defer metrics.ObserveStore("delete_user", time.Now())

	res, err := u.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("delete user %s: %w", id, err)
	}
	return res.DeletedCount > 0, nil
}
