// Package messaging is the write path for direct and group messages, and the
// cascade erase that removes everything a user has in the message store.
package messaging

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/apperr"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/data"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/normalize"
)

// MaxBodyRunes is the longest message body accepted, in characters.
const MaxBodyRunes = 4096

// MessageStore is the subset of data.MessagesStore the service writes through.
type MessageStore interface {
	InsertDirect(ctx context.Context, senderID, receiverID, body string) (*data.DirectMessage, error)
	DeleteDirect(ctx context.Context, key data.DirectKey) (bool, error)
	DeletePartition(ctx context.Context, p data.Partition) (int64, error)
	Counterparties(ctx context.Context, userID string) ([]string, error)
	InsertGroup(ctx context.Context, groupID int64, senderID, body string) (*data.GroupMessage, error)
	DeleteGroup(ctx context.Context, key data.GroupKey) (bool, error)
}

// UserDirectory is the subset of data.UsersStore the cascade erase needs.
type UserDirectory interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	DeleteUserInfo(ctx context.Context, id string) (bool, error)
}

// DeleteResult tells a caller whether a delete removed a row. A missing row
// is an expected outcome, not an error.
type DeleteResult int

const (
	Deleted DeleteResult = iota
	NotFound
)

func (r DeleteResult) String() string {
	if r == Deleted {
		return "deleted"
	}
	return "not_found"
}

// DeleteDirectRequest carries the full key of a direct message and who is
// asking to delete it.
type DeleteDirectRequest struct {
	ID          string
	RequesterID string
	SenderID    string
	ReceiverID  string
	CreatedAt   time.Time
}

// DeleteGroupRequest carries the key of a group message. The requester must
// be its author.
type DeleteGroupRequest struct {
	ID          string
	GroupID     int64
	RequesterID string
	CreatedAt   time.Time
}

// EraseReport summarises a completed cascade erase.
type EraseReport struct {
	Partners        int
	MessagesDeleted int64
	ProfileDeleted  bool
}

// Service validates and applies message mutations.
type Service struct {
	messages     MessageStore
	users        UserDirectory
	writeTimeout time.Duration
}

// NewService returns a Service. writeTimeout bounds each store write once it
// has started; 0 means no bound.
func NewService(messages MessageStore, users UserDirectory, writeTimeout time.Duration) *Service {
	return &Service{messages: messages, users: users, writeTimeout: writeTimeout}
}

// writeContext detaches a write from the caller's cancellation. A request
// that goes away after dispatch must not leave a half-applied mutation.
func (s *Service) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.writeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.writeTimeout)
}

func validBody(body string) (string, error) {
	body = normalize.Body(body)
	if body == "" {
		return "", apperr.Validation("message body is required")
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return "", apperr.Validation("message body exceeds %d characters", MaxBodyRunes)
	}
	return body, nil
}

func validMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Validation("message id must be a UUID")
	}
	return nil
}

// InsertDirectMessage stores a message from sender to receiver. The id and
// timestamps are assigned by the store.
func (s *Service) InsertDirectMessage(ctx context.Context, sender, receiver, body string) (*data.DirectMessage, error) {
	sender = normalize.UserID(sender)
	receiver = normalize.UserID(receiver)
	if sender == "" || receiver == "" {
		return nil, apperr.Validation("sender and receiver are required")
	}
	if sender == receiver {
		return nil, apperr.Validation("cannot send a message to yourself")
	}
	body, err := validBody(body)
	if err != nil {
		return nil, err
	}

	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	msg, err := s.messages.InsertDirect(wctx, sender, receiver, body)
	if err != nil {
		log.Error("insert direct message failed", "sender", sender, "receiver", receiver, "err", err)
		return nil, apperr.Storage(err)
	}
	return msg, nil
}

// DeleteDirectMessage deletes one direct message by its full key. Either
// participant of the conversation may delete; anyone else is refused before
// the store is touched.
func (s *Service) DeleteDirectMessage(ctx context.Context, req DeleteDirectRequest) (DeleteResult, error) {
	req.RequesterID = normalize.UserID(req.RequesterID)
	req.SenderID = normalize.UserID(req.SenderID)
	req.ReceiverID = normalize.UserID(req.ReceiverID)
	if req.SenderID == "" || req.ReceiverID == "" || req.CreatedAt.IsZero() {
		return NotFound, apperr.Validation("id, senderId, receiverId and createdAt are required")
	}
	if err := validMessageID(req.ID); err != nil {
		return NotFound, err
	}
	if req.RequesterID == "" || (req.RequesterID != req.SenderID && req.RequesterID != req.ReceiverID) {
		return NotFound, apperr.Forbidden("only a participant may delete a message")
	}

	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	ok, err := s.messages.DeleteDirect(wctx, data.DirectKey{
		ID:         req.ID,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		CreatedAt:  req.CreatedAt,
	})
	if err != nil {
		log.Error("delete direct message failed", "id", req.ID, "err", err)
		return NotFound, apperr.Storage(err)
	}
	if !ok {
		return NotFound, nil
	}
	return Deleted, nil
}

// InsertGroupMessage stores a message in a group.
func (s *Service) InsertGroupMessage(ctx context.Context, groupID int64, sender, body string) (*data.GroupMessage, error) {
	sender = normalize.UserID(sender)
	if groupID <= 0 {
		return nil, apperr.Validation("groupId must be positive")
	}
	if sender == "" {
		return nil, apperr.Validation("sender is required")
	}
	body, err := validBody(body)
	if err != nil {
		return nil, err
	}

	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	msg, err := s.messages.InsertGroup(wctx, groupID, sender, body)
	if err != nil {
		log.Error("insert group message failed", "group", groupID, "sender", sender, "err", err)
		return nil, apperr.Storage(err)
	}
	return msg, nil
}

// DeleteGroupMessage deletes one of the requester's own group messages. The
// requester is used as the sender part of the key, so a message by someone
// else is simply not found.
func (s *Service) DeleteGroupMessage(ctx context.Context, req DeleteGroupRequest) (DeleteResult, error) {
	req.RequesterID = normalize.UserID(req.RequesterID)
	if req.GroupID <= 0 || req.RequesterID == "" || req.CreatedAt.IsZero() {
		return NotFound, apperr.Validation("groupId, requester and createdAt are required")
	}
	if err := validMessageID(req.ID); err != nil {
		return NotFound, err
	}

	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	ok, err := s.messages.DeleteGroup(wctx, data.GroupKey{
		ID:        req.ID,
		GroupID:   req.GroupID,
		SenderID:  req.RequesterID,
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		log.Error("delete group message failed", "id", req.ID, "group", req.GroupID, "err", err)
		return NotFound, apperr.Storage(err)
	}
	if !ok {
		return NotFound, nil
	}
	return Deleted, nil
}

// DeleteConversation removes both directions of the conversation between
// requester and other and returns how many messages were deleted.
func (s *Service) DeleteConversation(ctx context.Context, requester, other string) (int64, error) {
	requester = normalize.UserID(requester)
	other = normalize.UserID(other)
	if requester == "" || other == "" {
		return 0, apperr.Validation("both conversation participants are required")
	}
	if requester == other {
		return 0, apperr.Validation("a conversation needs two distinct participants")
	}

	wctx, cancel := s.writeContext(ctx)
	defer cancel()

	n, err := s.deleteBothPartitions(wctx, requester, other)
	if err != nil {
		log.Error("delete conversation failed", "requester", requester, "other", other, "err", err)
		return n, apperr.Storage(err)
	}
	return n, nil
}

func (s *Service) deleteBothPartitions(ctx context.Context, a, b string) (int64, error) {
	p := data.Partition{SenderID: a, ReceiverID: b}
	n1, err := s.messages.DeletePartition(ctx, p)
	if err != nil {
		return 0, err
	}
	n2, err := s.messages.DeletePartition(ctx, p.Reverse())
	if err != nil {
		return n1, err
	}
	return n1 + n2, nil
}

// CascadeEraseUser deletes every conversation userID takes part in and then
// the user's profile. Partners are every known profile plus everyone with a
// stored partition shared with the user. Each step is idempotent, so an
// interrupted erase is completed by running it again.
func (s *Service) CascadeEraseUser(ctx context.Context, userID string) (*EraseReport, error) {
	userID = normalize.UserID(userID)
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}

	wctx, cancel := s.writeContext(ctx)
	known, err := s.users.ListUserIDs(wctx)
	if err == nil {
		var partners []string
		partners, err = s.messages.Counterparties(wctx, userID)
		known = append(known, partners...)
	}
	cancel()
	if err != nil {
		log.Error("cascade erase: enumerating partners failed", "user", userID, "err", err)
		return nil, apperr.Storage(err)
	}

	seen := map[string]struct{}{userID: {}}
	others := make([]string, 0, len(known))
	for _, id := range known {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}

	report := &EraseReport{Partners: len(others)}
	for i, other := range others {
		// Stop between partners on shutdown; the rest is picked up on redelivery.
		if err := ctx.Err(); err != nil {
			return report, partialCascade(userID, i, len(others), err)
		}
		wctx, cancel := s.writeContext(ctx)
		n, err := s.deleteBothPartitions(wctx, userID, other)
		cancel()
		report.MessagesDeleted += n
		if err != nil {
			log.Error("cascade erase: deleting conversation failed", "user", userID, "partner", other, "err", err)
			return report, partialCascade(userID, i, len(others), err)
		}
	}

	wctx, cancel = s.writeContext(ctx)
	defer cancel()
	ok, err := s.users.DeleteUserInfo(wctx, userID)
	if err != nil {
		log.Error("cascade erase: deleting profile failed", "user", userID, "err", err)
		return report, partialCascade(userID, len(others), len(others), err)
	}
	report.ProfileDeleted = ok

	log.Info("cascade erase complete", "user", userID, "partners", report.Partners, "messages", report.MessagesDeleted, "profile", ok)
	return report, nil
}

func partialCascade(userID string, done, total int, cause error) error {
	return apperr.Wrap(apperr.CodePartialCascade,
		fmt.Sprintf("cascade erase of %s interrupted after %d of %d partners", userID, done, total),
		cause)
}
