package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/apperr"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/data"
)

// memStore is an in-memory PartitionReader with the same keyset semantics as
// the Mongo store: rows newest first, page state names the last row returned.
type memStore struct {
	mu     sync.Mutex
	direct map[data.Partition][]*data.DirectMessage
	group  map[int64][]*data.GroupMessage

	scanHook func(ctx context.Context, p data.Partition) error
	calls    atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		direct: map[data.Partition][]*data.DirectMessage{},
		group:  map[int64][]*data.GroupMessage{},
	}
}

func (s *memStore) addDirect(sender, receiver string, at time.Time, id string) *data.DirectMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := data.Partition{SenderID: sender, ReceiverID: receiver}
	m := &data.DirectMessage{ID: id, SenderID: sender, ReceiverID: receiver, Body: "b-" + id, CreatedAt: at, UpdatedAt: at}
	rows := append(s.direct[p], m)
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	s.direct[p] = rows
	return m
}

func (s *memStore) addGroup(groupID int64, at time.Time, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := append(s.group[groupID], &data.GroupMessage{ID: id, GroupID: groupID, SenderID: "alice", CreatedAt: at, UpdatedAt: at})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	s.group[groupID] = rows
}

func startAfter(ids []string, state []byte) (int, error) {
	if state == nil {
		return 0, nil
	}
	for i, id := range ids {
		if id == string(state) {
			return i + 1, nil
		}
	}
	return 0, data.ErrInvalidPageState
}

func (s *memStore) ScanPartition(ctx context.Context, p data.Partition, limit int, state []byte) (*data.DirectScan, error) {
	s.calls.Add(1)
	if s.scanHook != nil {
		if err := s.scanHook(ctx, p); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.direct[p]
	ids := make([]string, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
	}
	start, err := startAfter(ids, state)
	if err != nil {
		return nil, err
	}
	end := start + limit
	scan := &data.DirectScan{}
	if end < len(rows) {
		scan.PageState = []byte(rows[end-1].ID)
	} else {
		end = len(rows)
	}
	scan.Messages = append(scan.Messages, rows[start:end]...)
	return scan, nil
}

func (s *memStore) ScanGroup(ctx context.Context, groupID int64, limit int, state []byte) (*data.GroupScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.group[groupID]
	ids := make([]string, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
	}
	start, err := startAfter(ids, state)
	if err != nil {
		return nil, err
	}
	end := start + limit
	scan := &data.GroupScan{}
	if end < len(rows) {
		scan.PageState = []byte(rows[end-1].ID)
	} else {
		end = len(rows)
	}
	scan.Messages = append(scan.Messages, rows[start:end]...)
	return scan, nil
}

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(store PartitionReader) *Engine {
	return NewEngine(store, NewPageTokens("page-secret", time.Hour))
}

func TestFetchConversationMergesBothDirections(t *testing.T) {
	store := newMemStore()
	// three from alice, two from bob, interleaved in time
	store.addDirect("alice", "bob", t0.Add(1*time.Second), "a1")
	store.addDirect("bob", "alice", t0.Add(2*time.Second), "b1")
	store.addDirect("alice", "bob", t0.Add(3*time.Second), "a2")
	store.addDirect("bob", "alice", t0.Add(4*time.Second), "b2")
	store.addDirect("alice", "bob", t0.Add(5*time.Second), "a3")

	e := newTestEngine(store)
	ctx := context.Background()

	first, err := e.FetchConversation(ctx, "alice", "bob", 4, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a3", "b2", "a2", "b1"}, ids(first.Messages))
	require.NotNil(t, first.NextPageStates.A, "alice→bob still has a row")
	assert.Nil(t, first.NextPageStates.B, "bob→alice is exhausted")

	second, err := e.FetchConversation(ctx, "alice", "bob", 4, &first.NextPageStates)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids(second.Messages))
	assert.True(t, second.Done())
}

func TestFetchConversationSkipsExhaustedPartition(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 5; i++ {
		store.addDirect("alice", "bob", t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("a%d", i))
	}
	store.addDirect("bob", "alice", t0, "b0")

	e := newTestEngine(store)
	first, err := e.FetchConversation(context.Background(), "alice", "bob", 4, nil)
	require.NoError(t, err)
	require.Nil(t, first.NextPageStates.B)

	before := store.calls.Load()
	_, err = e.FetchConversation(context.Background(), "alice", "bob", 4, &first.NextPageStates)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.calls.Load()-before, "exhausted partition must not be scanned")
}

func TestFetchConversationOddPageSizeHalvesOnce(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 4; i++ {
		store.addDirect("alice", "bob", t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("a%d", i))
		store.addDirect("bob", "alice", t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("b%d", i))
	}
	e := newTestEngine(store)

	page, err := e.FetchConversation(context.Background(), "alice", "bob", 5, nil)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 4)

	page, err = e.FetchConversation(context.Background(), "alice", "bob", 0, nil)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 8, "default page size covers everything")
	assert.True(t, page.Done())
}

func TestFetchConversationVisitsEveryMessageOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		store := newMemStore()
		want := map[string]bool{}
		nA, nB := rng.Intn(30), rng.Intn(30)
		for i := 0; i < nA; i++ {
			id := fmt.Sprintf("a%03d", i)
			// coarse timestamps force ties across partitions
			store.addDirect("u1", "u2", t0.Add(time.Duration(rng.Intn(20))*time.Second), id)
			want[id] = true
		}
		for i := 0; i < nB; i++ {
			id := fmt.Sprintf("b%03d", i)
			store.addDirect("u2", "u1", t0.Add(time.Duration(rng.Intn(20))*time.Second), id)
			want[id] = true
		}
		pageSize := 2 + rng.Intn(9)

		e := newTestEngine(store)
		seen := map[string]bool{}
		var cursors *Cursors
		for pages := 0; ; pages++ {
			require.Less(t, pages, 100, "pagination did not terminate")
			page, err := e.FetchConversation(context.Background(), "u1", "u2", pageSize, cursors)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(page.Messages), pageSize)
			assert.True(t, sort.SliceIsSorted(page.Messages, func(i, j int) bool {
				a, b := page.Messages[i], page.Messages[j]
				if !a.CreatedAt.Equal(b.CreatedAt) {
					return a.CreatedAt.After(b.CreatedAt)
				}
				return a.ID > b.ID
			}), "round %d page %d not ordered", round, pages)
			for _, m := range page.Messages {
				require.False(t, seen[m.ID], "message %s returned twice", m.ID)
				seen[m.ID] = true
			}
			if page.Done() {
				break
			}
			next := page.NextPageStates
			cursors = &next
		}
		assert.Equal(t, want, seen, "round %d", round)
	}
}

func TestFetchConversationEmpty(t *testing.T) {
	e := newTestEngine(newMemStore())
	page, err := e.FetchConversation(context.Background(), "alice", "bob", 10, nil)
	require.NoError(t, err)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.Messages)
	assert.True(t, page.Done())
}

func TestFetchConversationValidation(t *testing.T) {
	e := newTestEngine(newMemStore())
	ctx := context.Background()
	cases := []struct {
		name     string
		a, b     string
		pageSize int
	}{
		{"missing participant", "alice", "  ", 10},
		{"self conversation", "alice", " alice ", 10},
		{"page size one", "alice", "bob", 1},
		{"negative page size", "alice", "bob", -4},
		{"page size above max", "alice", "bob", MaxPageSize + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.FetchConversation(ctx, tc.a, tc.b, tc.pageSize, nil)
			assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
		})
	}
}

func TestFetchConversationRejectsForeignCursors(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 6; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		store.addDirect("alice", "bob", at, fmt.Sprintf("ab%d", i))
		store.addDirect("bob", "alice", at, fmt.Sprintf("ba%d", i))
		store.addDirect("alice", "carol", at, fmt.Sprintf("ac%d", i))
	}
	e := newTestEngine(store)
	ctx := context.Background()

	first, err := e.FetchConversation(ctx, "alice", "bob", 4, nil)
	require.NoError(t, err)
	require.NotNil(t, first.NextPageStates.A)
	require.NotNil(t, first.NextPageStates.B)

	// B's payload under A's signature
	partsA := strings.Split(*first.NextPageStates.A, ".")
	partsB := strings.Split(*first.NextPageStates.B, ".")
	tampered := strings.Join([]string{partsA[0], partsB[1], partsA[2]}, ".")

	cases := []struct {
		name     string
		a, b     string
		pageSize int
		cursors  Cursors
	}{
		{"other conversation", "alice", "carol", 4, first.NextPageStates},
		{"changed page size", "alice", "bob", 6, first.NextPageStates},
		{"swapped slots", "alice", "bob", 4, Cursors{A: first.NextPageStates.B, B: first.NextPageStates.A}},
		{"swapped participants", "bob", "alice", 4, first.NextPageStates},
		{"tampered signature", "alice", "bob", 4, Cursors{A: &tampered}},
		{"not a token", "alice", "bob", 4, Cursors{A: strPtr("garbage")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cursors := tc.cursors
			_, err := e.FetchConversation(ctx, tc.a, tc.b, tc.pageSize, &cursors)
			assert.Equal(t, apperr.CodeInvalidCursor, apperr.CodeOf(err))
		})
	}
}

func TestFetchConversationRejectsIncompletePair(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 6; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		store.addDirect("alice", "bob", at, fmt.Sprintf("a%d", i))
		store.addDirect("bob", "alice", at, fmt.Sprintf("b%d", i))
	}
	e := newTestEngine(store)
	ctx := context.Background()

	first, err := e.FetchConversation(ctx, "alice", "bob", 4, nil)
	require.NoError(t, err)
	require.NotNil(t, first.NextPageStates.A)
	require.NotNil(t, first.NextPageStates.B)

	// dropping either live token would silently lose the rest of that side
	for name, cursors := range map[string]Cursors{
		"only a": {A: first.NextPageStates.A},
		"only b": {B: first.NextPageStates.B},
	} {
		_, err := e.FetchConversation(ctx, "alice", "bob", 4, &cursors)
		assert.Equal(t, apperr.CodeInvalidCursor, apperr.CodeOf(err), name)
	}

	// tokens from two different pages do not form a pair
	second, err := e.FetchConversation(ctx, "alice", "bob", 4, &first.NextPageStates)
	require.NoError(t, err)
	require.NotNil(t, second.NextPageStates.B)
	mixed := Cursors{A: first.NextPageStates.A, B: second.NextPageStates.B}
	_, err = e.FetchConversation(ctx, "alice", "bob", 4, &mixed)
	assert.Equal(t, apperr.CodeInvalidCursor, apperr.CodeOf(err))

	// the intact pair still pages through everything
	assert.Equal(t, []string{"b3", "a3", "b2", "a2"}, ids(second.Messages))
}

func TestFetchConversationExpiredCursor(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 4; i++ {
		store.addDirect("alice", "bob", t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("a%d", i))
	}
	e := newTestEngine(store)
	now := time.Now()
	e.tokens.now = func() time.Time { return now }

	first, err := e.FetchConversation(context.Background(), "alice", "bob", 2, nil)
	require.NoError(t, err)
	require.NotNil(t, first.NextPageStates.A)

	e.tokens.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = e.FetchConversation(context.Background(), "alice", "bob", 2, &first.NextPageStates)
	assert.Equal(t, apperr.CodeInvalidCursor, apperr.CodeOf(err))
}

func TestFetchConversationUnknownPageState(t *testing.T) {
	e := newTestEngine(newMemStore())
	claims := pageClaims{Kind: kindDirect, Slot: slotA, Sender: "alice", Receiver: "bob", PageSize: 4}
	token, err := e.tokens.issue(claims, []byte("no-such-row"))
	require.NoError(t, err)

	_, err = e.FetchConversation(context.Background(), "alice", "bob", 4, &Cursors{A: &token})
	assert.Equal(t, apperr.CodeInvalidCursor, apperr.CodeOf(err))
}

func TestFetchConversationStorageFailure(t *testing.T) {
	store := newMemStore()
	store.scanHook = func(ctx context.Context, p data.Partition) error {
		if p.SenderID == "bob" {
			return errors.New("connection refused")
		}
		return nil
	}
	e := newTestEngine(store)

	page, err := e.FetchConversation(context.Background(), "alice", "bob", 10, nil)
	assert.Nil(t, page, "no partial page on failure")
	assert.Equal(t, apperr.CodeStorage, apperr.CodeOf(err))
}

func TestFetchConversationCancelled(t *testing.T) {
	store := newMemStore()
	store.scanHook = func(ctx context.Context, p data.Partition) error {
		<-ctx.Done()
		return ctx.Err()
	}
	e := newTestEngine(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.FetchConversation(ctx, "alice", "bob", 10, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchConversationScansConcurrently(t *testing.T) {
	store := newMemStore()
	var arrived atomic.Int32
	both := make(chan struct{})
	store.scanHook = func(ctx context.Context, p data.Partition) error {
		if arrived.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("scans ran one after the other")
		}
	}
	e := newTestEngine(store)

	_, err := e.FetchConversation(context.Background(), "alice", "bob", 10, nil)
	require.NoError(t, err)
}

func TestFetchGroupMessagesPages(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 5; i++ {
		store.addGroup(42, t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("g%d", i))
	}
	e := newTestEngine(store)
	ctx := context.Background()

	var got []string
	var cursor *string
	for pages := 0; pages < 10; pages++ {
		page, err := e.FetchGroupMessages(ctx, 42, 2, cursor)
		require.NoError(t, err)
		for _, m := range page.Messages {
			got = append(got, m.ID)
		}
		if page.NextPageState == nil {
			break
		}
		cursor = page.NextPageState
	}
	assert.Equal(t, []string{"g4", "g3", "g2", "g1", "g0"}, got)

	first, err := e.FetchGroupMessages(ctx, 42, 2, nil)
	require.NoError(t, err)
	_, err = e.FetchGroupMessages(ctx, 7, 2, first.NextPageState)
	assert.Equal(t, apperr.CodeInvalidCursor, apperr.CodeOf(err), "token from another group")
}

func TestFetchGroupMessagesValidation(t *testing.T) {
	e := newTestEngine(newMemStore())
	_, err := e.FetchGroupMessages(context.Background(), 0, 10, nil)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	_, err = e.FetchGroupMessages(context.Background(), 1, MaxPageSize+1, nil)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	page, err := e.FetchGroupMessages(context.Background(), 1, 1, nil)
	require.NoError(t, err)
	assert.NotNil(t, page.Messages)
	assert.Nil(t, page.NextPageState)
}

func TestPageTokenIsOpaque(t *testing.T) {
	tokens := NewPageTokens("page-secret", 0)
	token, err := tokens.issue(pageClaims{Kind: kindGroup, GroupID: 3, PageSize: 10}, []byte("state"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, "."))

	_, state, err := tokens.open(token, pageClaims{Kind: kindGroup, GroupID: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), state)

	other := NewPageTokens("other-secret", 0)
	_, _, err = other.open(token, pageClaims{Kind: kindGroup, GroupID: 3, PageSize: 10})
	assert.Error(t, err)
}

func ids(msgs []*data.DirectMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func strPtr(s string) *string { return &s }
