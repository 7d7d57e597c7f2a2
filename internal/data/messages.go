package data

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/metrics"
)

// clusteringOrder is the order rows are stored and scanned in within a
// partition: newest first, ties broken by id.
var clusteringOrder = bson.D{
	{Key: "created_at", Value: -1},
	{Key: "_id", Value: -1},
}

// MessagesStore provides direct and group message database operations.
type MessagesStore struct {
	// direct is the direct_messages collection, partitioned by (sender_id, receiver_id)
	direct *mongo.Collection
	// group is the group_messages collection, partitioned by group_id
	group *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using the given collections.
func NewMessagesStore(direct, group *mongo.Collection) *MessagesStore {
	return &MessagesStore{direct: direct, group: group}
}

// literal stops the pipeline update from interpreting user supplied strings
// that start with "$" as field paths.
func literal(v any) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}

// InsertDirect writes one direct message. The id is generated here and both
// timestamps are assigned by the database server ($$NOW), so ordering does not
// depend on the clocks of concurrent writers.
func (m *MessagesStore) InsertDirect(ctx context.Context, senderID, receiverID, body string) (*DirectMessage, error) {
	defer metrics.ObserveStore("insert_direct", time.Now())

	// Pipeline-style update on a fresh _id: with upsert it behaves as an
	// insert, and lets the server fill in created_at/updated_at.
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "sender_id", Value: literal(senderID)},
			{Key: "receiver_id", Value: literal(receiverID)},
			{Key: "body", Value: literal(body)},
			{Key: "created_at", Value: "$$NOW"},
			{Key: "updated_at", Value: "$$NOW"},
		}}},
	}

	// ReturnDocument(After) hands back the row as stored, timestamps included
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var msg DirectMessage
	err := m.direct.FindOneAndUpdate(ctx, bson.M{"_id": uuid.NewString()}, update, opts).Decode(&msg)
	if err != nil {
		return nil, fmt.Errorf("insert direct message: %w", err)
	}
	return &msg, nil
}

// ScanPartition returns up to limit messages of one directional partition,
// newest first, resuming after pageState when it is non-nil.
func (m *MessagesStore) ScanPartition(ctx context.Context, p Partition, limit int, pageState []byte) (*DirectScan, error) {
	defer metrics.ObserveStore("scan_direct", time.Now())

	filter := bson.M{
		"sender_id":   p.SenderID,
		"receiver_id": p.ReceiverID,
	}
	if pageState != nil {
		pos, err := decodePageState(pageState)
		if err != nil {
			return nil, err
		}
		filter["$or"] = after(pos)
	}

	// One extra row tells us whether another page exists without a second
	// round trip.
	opts := options.Find().
		SetSort(clusteringOrder).
		SetLimit(int64(limit + 1))

	cursor, err := m.direct.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("scan partition %s->%s: %w", p.SenderID, p.ReceiverID, err)
	}
	defer cursor.Close(ctx)

	var messages []*DirectMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode partition %s->%s: %w", p.SenderID, p.ReceiverID, err)
	}

	scan := &DirectScan{Messages: messages}
	if len(messages) > limit {
		scan.Messages = messages[:limit]
		last := scan.Messages[limit-1]
		state, err := encodePageState(last.CreatedAt, last.ID)
		if err != nil {
			return nil, fmt.Errorf("encode page state: %w", err)
		}
		scan.PageState = state
	}
	return scan, nil
}

// DeleteDirect deletes the row matching the full primary key. It reports
// false when no such row exists; deleting twice is not an error.
func (m *MessagesStore) DeleteDirect(ctx context.Context, key DirectKey) (bool, error) {
	defer metrics.ObserveStore("delete_direct", time.Now())

	res, err := m.direct.DeleteOne(ctx, bson.M{
		"_id":         key.ID,
		"sender_id":   key.SenderID,
		"receiver_id": key.ReceiverID,
		"created_at":  key.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("delete direct message %s: %w", key.ID, err)
	}
	return res.DeletedCount > 0, nil
}

// DeletePartition removes every row of one directional partition. Deleting
// an empty or already deleted partition is a no-op.
func (m *MessagesStore) DeletePartition(ctx context.Context, p Partition) (int64, error) {
	defer metrics.ObserveStore("delete_partition", time.Now())

	res, err := m.direct.DeleteMany(ctx, bson.M{
		"sender_id":   p.SenderID,
		"receiver_id": p.ReceiverID,
	})
	if err != nil {
		return 0, fmt.Errorf("delete partition %s->%s: %w", p.SenderID, p.ReceiverID, err)
	}
	return res.DeletedCount, nil
}

// Counterparties returns every user that shares at least one partition with
// userID, in either direction.
func (m *MessagesStore) Counterparties(ctx context.Context, userID string) ([]string, error) {
	defer metrics.ObserveStore("counterparties", time.Now())

	var receivers, senders []string
	if err := m.direct.Distinct(ctx, "receiver_id", bson.M{"sender_id": userID}).Decode(&receivers); err != nil {
		return nil, fmt.Errorf("distinct receivers of %s: %w", userID, err)
	}
	if err := m.direct.Distinct(ctx, "sender_id", bson.M{"receiver_id": userID}).Decode(&senders); err != nil {
		return nil, fmt.Errorf("distinct senders to %s: %w", userID, err)
	}

	seen := make(map[string]struct{}, len(receivers)+len(senders))
	out := make([]string, 0, len(receivers)+len(senders))
	for _, id := range append(receivers, senders...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// InsertGroup writes one group message with server assigned timestamps.
func (m *MessagesStore) InsertGroup(ctx context.Context, groupID int64, senderID, body string) (*GroupMessage, error) {
	defer metrics.ObserveStore("insert_group", time.Now())

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "group_id", Value: groupID},
			{Key: "sender_id", Value: literal(senderID)},
			{Key: "body", Value: literal(body)},
			{Key: "created_at", Value: "$$NOW"},
			{Key: "updated_at", Value: "$$NOW"},
		}}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var msg GroupMessage
	err := m.group.FindOneAndUpdate(ctx, bson.M{"_id": uuid.NewString()}, update, opts).Decode(&msg)
	if err != nil {
		return nil, fmt.Errorf("insert group message: %w", err)
	}
	return &msg, nil
}

// ScanGroup returns up to limit messages of a group partition, newest first.
func (m *MessagesStore) ScanGroup(ctx context.Context, groupID int64, limit int, pageState []byte) (*GroupScan, error) {
	defer metrics.ObserveStore("scan_group", time.Now())

	filter := bson.M{"group_id": groupID}
	if pageState != nil {
		pos, err := decodePageState(pageState)
		if err != nil {
			return nil, err
		}
		filter["$or"] = after(pos)
	}

	opts := options.Find().
		SetSort(clusteringOrder).
		SetLimit(int64(limit + 1))

	cursor, err := m.group.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("scan group %d: %w", groupID, err)
	}
	defer cursor.Close(ctx)

	var messages []*GroupMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode group %d: %w", groupID, err)
	}

	scan := &GroupScan{Messages: messages}
	if len(messages) > limit {
		scan.Messages = messages[:limit]
		last := scan.Messages[limit-1]
		state, err := encodePageState(last.CreatedAt, last.ID)
		if err != nil {
			return nil, fmt.Errorf("encode page state: %w", err)
		}
		scan.PageState = state
	}
	return scan, nil
}

// DeleteGroup deletes the group message matching the full key. The sender is
// part of the key, so only the author's delete matches.
func (m *MessagesStore) DeleteGroup(ctx context.Context, key GroupKey) (bool, error) {
	defer metrics.ObserveStore("delete_group", time.Now())

	res, err := m.group.DeleteOne(ctx, bson.M{
		"_id":        key.ID,
		"group_id":   key.GroupID,
		"sender_id":  key.SenderID,
		"created_at": key.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("delete group message %s: %w", key.ID, err)
	}
	return res.DeletedCount > 0, nil
}
