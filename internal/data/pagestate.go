package data

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrInvalidPageState is returned when a page state cannot be decoded.
var ErrInvalidPageState = errors.New("invalid page state")

// position is the keyset position of the last row a scan returned. Scans
// resume strictly after it in (created_at DESC, _id DESC) order.
type position struct {
	CreatedAt time.Time `bson:"t"`
	ID        string    `bson:"i"`
}

func encodePageState(createdAt time.Time, id string) ([]byte, error) {
	return bson.Marshal(position{CreatedAt: createdAt, ID: id})
}

func decodePageState(state []byte) (position, error) {
	var pos position
	if err := bson.Unmarshal(state, &pos); err != nil {
		return position{}, ErrInvalidPageState
	}
	if pos.ID == "" || pos.CreatedAt.IsZero() {
		return position{}, ErrInvalidPageState
	}
	return pos, nil
}

// after builds the filter clause selecting rows that sort after pos.
func after(pos position) bson.A {
	return bson.A{
		bson.M{"created_at": bson.M{"$lt": pos.CreatedAt}},
		bson.M{"created_at": pos.CreatedAt, "_id": bson.M{"$lt": pos.ID}},
	}
}
