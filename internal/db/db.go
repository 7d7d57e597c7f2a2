// Package db manages the MongoDB connection and the partitioned collections.
package db

import (
	"context" // For connection timeout/cancellation
	"fmt"     // Error formatting
	"time"    // Duration for timeouts

	"go.mongodb.org/mongo-driver/v2/bson"           // Index key documents
	"go.mongodb.org/mongo-driver/v2/mongo"          // MongoDB driver
	"go.mongodb.org/mongo-driver/v2/mongo/options"  // MongoDB options
	"go.mongodb.org/mongo-driver/v2/mongo/readpref" // MongoDB read preference
)

// DefaultDatabase is the database used when none is configured.
const DefaultDatabase = "pixelchat_message"

// Collection names. Each one is a logical table whose rows are grouped into
// partitions by the leading fields of its partition index.
const (
	DirectMessagesCollection = "direct_messages"
	GroupMessagesCollection  = "group_messages"
	UserInfoCollection       = "user_info"
)

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is the underlying MongoDB connection (thread-safe, shared by
	// every request and the sync consumer)
	client *mongo.Client

	// db is the messaging database; all three collections live in it
	db *mongo.Database
}

// New connects to MongoDB and returns a Client bound to the given database.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	if database == "" {
		database = DefaultDatabase
	}

	// SetConnectTimeout: fail fast if MongoDB is unreachable
	opts := options.Client().
		ApplyURI(mongoURI).                 // Parse connection string
		SetConnectTimeout(10 * time.Second) // Max time to connect

	// Creates the client; the driver dials lazily
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping with its own deadline so startup does not hang on a dead server
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database(database),
	}, nil
}

// DirectMessages returns the direct message collection, partitioned by
// (sender_id, receiver_id).
func (c *Client) DirectMessages() *mongo.Collection {
	return c.db.Collection(DirectMessagesCollection)
}

// GroupMessages returns the group message collection, partitioned by group_id.
func (c *Client) GroupMessages() *mongo.Collection {
	return c.db.Collection(GroupMessagesCollection)
}

// UserInfo returns the user profile collection, keyed by external identity id.
func (c *Client) UserInfo() *mongo.Collection {
	return c.db.Collection(UserInfoCollection)
}

// Ping checks that the primary is reachable. The storage health check calls it.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// DropAll drops every collection owned by the service. Only used by tests.
func (c *Client) DropAll(ctx context.Context) error {
	for _, coll := range []*mongo.Collection{c.DirectMessages(), c.GroupMessages(), c.UserInfo()} {
		if err := coll.Drop(ctx); err != nil {
			return fmt.Errorf("drop %s: %w", coll.Name(), err)
		}
	}
	return nil
}

// CreateIndexes creates the partition indexes. Key order matters: bson.D keeps
// it, so partition fields come first and the clustering fields follow in scan
// order.
func (c *Client) CreateIndexes(ctx context.Context) error {
	// ===== DIRECT MESSAGES =====
	// (sender_id, receiver_id) is the partition; (created_at, _id) descending
	// is the clustering order every partition scan walks.
	directIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "sender_id", Value: 1},
				{Key: "receiver_id", Value: 1},
				{Key: "created_at", Value: -1},
				{Key: "_id", Value: -1},
			},
			Options: options.Index().SetName("partition_sender_receiver"),
		},
		{
			// Reverse lookup used by the cascade erase to find every partner
			// that wrote to a user.
			Keys:    bson.D{{Key: "receiver_id", Value: 1}, {Key: "sender_id", Value: 1}},
			Options: options.Index().SetName("receiver_sender"),
		},
	}
	if _, err := c.DirectMessages().Indexes().CreateMany(ctx, directIndexes); err != nil {
		return fmt.Errorf("failed to create direct message indexes: %w", err)
	}

	// ===== GROUP MESSAGES =====
	groupIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "group_id", Value: 1},
			{Key: "created_at", Value: -1},
			{Key: "_id", Value: -1},
		},
		Options: options.Index().SetName("partition_group"),
	}
	if _, err := c.GroupMessages().Indexes().CreateOne(ctx, groupIndex); err != nil {
		return fmt.Errorf("failed to create group message index: %w", err)
	}

	// user_info is keyed by _id (the identity id) which is indexed already.
	return nil
}
