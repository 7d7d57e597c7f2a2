// Package conversation implements the read path: paired partition scans merged
// into one paginated view of a direct conversation, and group history pages.
package conversation

import (
	"context"
	"errors"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/apperr"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/data"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/normalize"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// PartitionReader is the subset of data.MessagesStore the engine reads from.
type PartitionReader interface {
	ScanPartition(ctx context.Context, p data.Partition, limit int, pageState []byte) (*data.DirectScan, error)
	ScanGroup(ctx context.Context, groupID int64, limit int, pageState []byte) (*data.GroupScan, error)
}

// Cursors holds one page token per direction of a conversation. A is the
// userA→userB partition, B the userB→userA partition. Inside a pair returned
// by FetchConversation a nil entry means that partition is exhausted.
type Cursors struct {
	A *string `json:"a"`
	B *string `json:"b"`
}

// Page is one page of a direct conversation, newest first.
type Page struct {
	Messages       []*data.DirectMessage `json:"messages"`
	NextPageStates Cursors               `json:"nextPageStates"`
}

// Done reports whether both partitions are exhausted.
func (p *Page) Done() bool {
	return p.NextPageStates.A == nil && p.NextPageStates.B == nil
}

// GroupPage is one page of a group's history, newest first.
type GroupPage struct {
	Messages      []*data.GroupMessage `json:"messages"`
	NextPageState *string              `json:"nextPageState"`
}

// Engine answers conversation and group history queries. It never writes.
type Engine struct {
	store  PartitionReader
	tokens *PageTokens
}

// NewEngine returns an Engine reading from store and signing page tokens
// with tokens.
func NewEngine(store PartitionReader, tokens *PageTokens) *Engine {
	return &Engine{store: store, tokens: tokens}
}

// leg is one directional partition scan of a conversation fetch.
type leg struct {
	slot   string
	part   data.Partition
	state  []byte
	skip   bool
	result *data.DirectScan
}

// FetchConversation returns the next page of the conversation between userA
// and userB. Each direction gets pageSize/2 rows (integer division, computed
// once), both scans run concurrently, and the page is merged newest first.
//
// cursors is nil for the first page; afterwards pass NextPageStates of the
// previous page unchanged. A nil entry skips that partition, so a pair with
// one of its two tokens missing is rejected. Tokens are only valid for the same userA, userB
// and pageSize.
func (e *Engine) FetchConversation(ctx context.Context, userA, userB string, pageSize int, cursors *Cursors) (*Page, error) {
	userA = normalize.UserID(userA)
	userB = normalize.UserID(userB)
	if userA == "" || userB == "" {
		return nil, apperr.Validation("both conversation participants are required")
	}
	if userA == userB {
		return nil, apperr.Validation("a conversation needs two distinct participants")
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 2 || pageSize > MaxPageSize {
		return nil, apperr.Validation("pageSize must be between 2 and %d", MaxPageSize)
	}
	perPartition := pageSize / 2

	forward := data.Partition{SenderID: userA, ReceiverID: userB}
	legs := [2]*leg{
		{slot: slotA, part: forward},
		{slot: slotB, part: forward.Reverse()},
	}

	if cursors != nil {
		var opened [2]*pageClaims
		for i, l := range legs {
			token := cursors.A
			if l.slot == slotB {
				token = cursors.B
			}
			if token == nil {
				l.skip = true
				continue
			}
			got, state, err := e.tokens.open(*token, e.directClaims(l, pageSize))
			if err != nil {
				return nil, apperr.InvalidCursor(err)
			}
			opened[i], l.state = got, state
		}
		if err := checkPair(opened[0], opened[1]); err != nil {
			return nil, apperr.InvalidCursor(err)
		}
	}

	// Fan out both scans and wait for both before merging.
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range legs {
		if l.skip {
			continue
		}
		g.Go(func() error {
			scan, err := e.store.ScanPartition(gctx, l.part, perPartition, l.state)
			if err != nil {
				return err
			}
			l.result = scan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, readError(ctx, err)
	}

	live := 0
	for _, l := range legs {
		if l.result != nil && l.result.PageState != nil {
			live++
		}
	}
	pair := uuid.NewString()

	page := &Page{Messages: []*data.DirectMessage{}}
	for _, l := range legs {
		if l.result == nil {
			continue
		}
		page.Messages = append(page.Messages, l.result.Messages...)
		if l.result.PageState == nil {
			continue
		}
		claims := e.directClaims(l, pageSize)
		claims.Pair, claims.Sibling = pair, live == 2
		token, err := e.tokens.issue(claims, l.result.PageState)
		if err != nil {
			return nil, err
		}
		if l.slot == slotA {
			page.NextPageStates.A = &token
		} else {
			page.NextPageStates.B = &token
		}
	}
	sortNewestFirst(page.Messages)

	log.Debug("fetched conversation", "userA", userA, "userB", userB, "pageSize", pageSize, "count", len(page.Messages), "done", page.Done())
	return page, nil
}

func (e *Engine) directClaims(l *leg, pageSize int) pageClaims {
	return pageClaims{
		Kind:     kindDirect,
		Slot:     l.slot,
		Sender:   l.part.SenderID,
		Receiver: l.part.ReceiverID,
		PageSize: pageSize,
	}
}

// sortNewestFirst orders by created_at descending; equal timestamps fall back
// to id descending, the same tie-break the partitions are stored in.
func sortNewestFirst(msgs []*data.DirectMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}
		return msgs[i].ID > msgs[j].ID
	})
}

// FetchGroupMessages returns the next page of a group's history. cursor is
// nil for the first page.
func (e *Engine) FetchGroupMessages(ctx context.Context, groupID int64, pageSize int, cursor *string) (*GroupPage, error) {
	if groupID <= 0 {
		return nil, apperr.Validation("groupId must be positive")
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, apperr.Validation("pageSize must be between 1 and %d", MaxPageSize)
	}

	claims := pageClaims{Kind: kindGroup, GroupID: groupID, PageSize: pageSize}

	var state []byte
	if cursor != nil {
		_, s, err := e.tokens.open(*cursor, claims)
		if err != nil {
			return nil, apperr.InvalidCursor(err)
		}
		state = s
	}

	scan, err := e.store.ScanGroup(ctx, groupID, pageSize, state)
	if err != nil {
		return nil, readError(ctx, err)
	}

	page := &GroupPage{Messages: scan.Messages}
	if page.Messages == nil {
		page.Messages = []*data.GroupMessage{}
	}
	if scan.PageState != nil {
		token, err := e.tokens.issue(claims, scan.PageState)
		if err != nil {
			return nil, err
		}
		page.NextPageState = &token
	}
	return page, nil
}

// readError maps a scan failure to the caller-facing error. A cancelled
// caller gets its own context error back; reads leave nothing to undo.
func readError(ctx context.Context, err error) error {
	if errors.Is(err, data.ErrInvalidPageState) {
		return apperr.InvalidCursor(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return apperr.Storage(err)
}
