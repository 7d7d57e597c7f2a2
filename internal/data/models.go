package data

import (
	"time"
)

// DirectMessage maps to the direct_messages collection. A row lives in the
// partition (SenderID, ReceiverID).
type DirectMessage struct {
	ID         string    `bson:"_id" json:"id"` // server generated UUID
	SenderID   string    `bson:"sender_id" json:"senderId"`
	ReceiverID string    `bson:"receiver_id" json:"receiverId"`
	Body       string    `bson:"body" json:"body"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"` // server time, clustering key
	UpdatedAt  time.Time `bson:"updated_at" json:"updatedAt"`
}

// GroupMessage maps to the group_messages collection, partitioned by GroupID.
type GroupMessage struct {
	ID        string    `bson:"_id" json:"id"`
	GroupID   int64     `bson:"group_id" json:"groupId"`
	SenderID  string    `bson:"sender_id" json:"senderId"`
	Body      string    `bson:"body" json:"body"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// UserInfo maps to the user_info collection, keyed by the external identity id.
type UserInfo struct {
	ID         string    `bson:"_id" json:"id"`
	Name       string    `bson:"name" json:"name"`
	Nickname   string    `bson:"nickname" json:"nickname"`
	PictureURL string    `bson:"picture_url" json:"pictureUrl"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updatedAt"`
}

// UserProfile is the full replacement payload for a UserInfo row.
type UserProfile struct {
	ID         string
	Name       string
	Nickname   string
	PictureURL string
}

// Partition identifies one directional half of a conversation.
type Partition struct {
	SenderID   string
	ReceiverID string
}

// Reverse returns the opposite direction of the same conversation.
func (p Partition) Reverse() Partition {
	return Partition{SenderID: p.ReceiverID, ReceiverID: p.SenderID}
}

// DirectKey is the complete primary key of a direct message row. Deletes must
// supply all of it; there is no lookup by id alone.
type DirectKey struct {
	ID         string
	SenderID   string
	ReceiverID string
	CreatedAt  time.Time
}

// GroupKey is the complete primary key of a group message row.
type GroupKey struct {
	ID        string
	GroupID   int64
	SenderID  string
	CreatedAt time.Time
}

// DirectScan is one page of a partition scan. PageState is nil when the
// partition has no rows after this page.
type DirectScan struct {
	Messages  []*DirectMessage
	PageState []byte
}

// GroupScan is one page of a group partition scan.
type GroupScan struct {
	Messages  []*GroupMessage
	PageState []byte
}
