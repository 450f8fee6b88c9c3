package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

func newTestSync(t *testing.T, store *teststore, feed *testfeed) (*ConversationSync, *Registry) {
	t.Helper()
	reg := NewRegistry(store, feed, slogt.New(t))
	return NewConversationSync(store, reg, slogt.New(t), "conv1", "alice"), reg
}

func TestConversationSync_OpenLoadsHistoryBeforeSubscribing(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := []Message{
		{ID: "m1", ConversationID: "conv1", SenderID: "bob", Content: "hey", Kind: KindText, Status: StatusRead, CreatedAt: base},
		{ID: "m2", ConversationID: "conv1", SenderID: "alice", Content: "hi!", Kind: KindText, Status: StatusSent, CreatedAt: base.Add(time.Minute)},
	}

	var (
		mu    sync.Mutex
		order []string
	)
	store := &teststore{
		T: t,
		history: func(t *testing.T, _ context.Context, conversationID string) ([]Message, error) {
			if conversationID != "conv1" {
				t.Errorf("fetched history for %q, want conv1", conversationID)
			}
			mu.Lock()
			order = append(order, "history")
			mu.Unlock()
			return append([]Message(nil), want...), nil
		},
	}
	feed := &testfeed{
		T: t,
		onOpen: func(string) {
			mu.Lock()
			order = append(order, "subscribe")
			mu.Unlock()
		},
	}
	s, _ := newTestSync(t, store, feed)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	if got := s.State(); got != StateReady {
		t.Errorf("state = %v, want ready", got)
	}
	mu.Lock()
	gotOrder := append([]string(nil), order...)
	mu.Unlock()
	if diff := cmp.Diff([]string{"history", "subscribe"}, gotOrder); diff != "" {
		t.Errorf("operation order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, s.Messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestConversationSync_HistoryFailureThenRetry(t *testing.T) {
	calls := 0
	store := &teststore{
		T: t,
		history: func(t *testing.T, _ context.Context, _ string) ([]Message, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("network down")
			}
			return []Message{{ID: "m1", CreatedAt: time.Now()}}, nil
		},
	}
	feed := &testfeed{T: t}
	s, _ := newTestSync(t, store, feed)

	err := s.Open(context.Background())
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, StateError, s.State())
	require.Error(t, s.Err())

	require.NoError(t, s.Retry(context.Background()))
	require.Equal(t, StateReady, s.State())
	require.NoError(t, s.Err())
	require.Len(t, s.Messages(), 1)
}

func TestConversationSync_LiveEventsAppendInOrderWithoutDuplicates(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &teststore{
		T: t,
		history: func(t *testing.T, _ context.Context, _ string) ([]Message, error) {
			return []Message{
				{ID: "m1", SenderID: "bob", CreatedAt: base},
				{ID: "m2", SenderID: "alice", CreatedAt: base.Add(time.Second)},
			}, nil
		},
		getMessage: func(t *testing.T, messageID string) (Message, error) {
			return Message{ID: messageID, ConversationID: "conv1", SenderID: "bob"}, nil
		},
	}
	feed := &testfeed{T: t}
	s, _ := newTestSync(t, store, feed)

	delivered := make(chan Message, 8)
	s.AfterDeliver = func(_ context.Context, m Message) { delivered <- m }

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	ch := feed.channel(0)
	ch.emit(MessageEvent{MessageID: "m3", ConversationID: "conv1", SenderID: "bob"})
	ch.emit(MessageEvent{MessageID: "m3", ConversationID: "conv1", SenderID: "bob"}) // duplicate delivery
	ch.emit(MessageEvent{MessageID: "m2", ConversationID: "conv1", SenderID: "bob"}) // already in history
	ch.emit(MessageEvent{MessageID: "m4", ConversationID: "conv1", SenderID: "bob"})

	if got := recvMessage(t, delivered); got.ID != "m3" {
		t.Fatalf("first delivery %q, want m3", got.ID)
	}
	if got := recvMessage(t, delivered); got.ID != "m4" {
		t.Fatalf("second delivery %q, want m4", got.ID)
	}

	var ids []string
	for _, m := range s.Messages() {
		ids = append(ids, m.ID)
	}
	if diff := cmp.Diff([]string{"m1", "m2", "m3", "m4"}, ids); diff != "" {
		t.Errorf("message order mismatch (-want +got):\n%s", diff)
	}
}

func TestConversationSync_OptimisticSendVisibleImmediately(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan Message)
	store := &teststore{
		T: t,
		sendText: func(t *testing.T, conversationID, senderID, content string) (Message, error) {
			close(entered)
			return <-release, nil
		},
	}
	feed := &testfeed{T: t}
	s, _ := newTestSync(t, store, feed)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.Send(context.Background(), "hello") }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("send never reached the store")
	}

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages before confirmation, want 1", len(msgs))
	}
	pending := msgs[0]
	if pending.Content != "hello" || !pending.Pending {
		t.Errorf("optimistic entry = %+v, want pending hello", pending)
	}
	if pending.Status == StatusRead {
		t.Errorf("optimistic entry has status read")
	}
	if !strings.HasPrefix(pending.ID, "pending-") {
		t.Errorf("optimistic entry id %q does not carry a temporary id", pending.ID)
	}
	if !s.Sending() {
		t.Error("Sending() = false while send in flight")
	}

	release <- Message{ID: "srv-1", ConversationID: "conv1", SenderID: "alice", Content: "hello", Kind: KindText, Status: StatusSent, CreatedAt: time.Now()}
	if err := <-sendErr; err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs = s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages after confirmation, want 1", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Pending {
		t.Errorf("confirmed entry = %+v, want srv-1 not pending", msgs[0])
	}
	if s.Sending() {
		t.Error("Sending() = true after send finished")
	}
}

func TestConversationSync_FailedSendKeptVisible(t *testing.T) {
	store := &teststore{
		T: t,
		sendText: func(t *testing.T, conversationID, senderID, content string) (Message, error) {
			return Message{}, errors.New("insert failed")
		},
	}
	feed := &testfeed{T: t}
	s, _ := newTestSync(t, store, feed)
	require.NoError(t, s.Open(context.Background()))

	err := s.Send(context.Background(), "hello")
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Failed, "failed send must stay visible")
	require.False(t, msgs[0].Pending)
	require.Equal(t, "hello", msgs[0].Content)
}

func TestConversationSync_EmptyContentRejected(t *testing.T) {
	called := false
	store := &teststore{
		T: t,
		sendText: func(t *testing.T, conversationID, senderID, content string) (Message, error) {
			called = true
			return Message{}, nil
		},
	}
	feed := &testfeed{T: t}
	s, _ := newTestSync(t, store, feed)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("got %v, want ErrEmptyContent", err)
	}
	if called {
		t.Error("store was called for an empty send")
	}
	if got := len(s.Messages()); got != 0 {
		t.Errorf("got %d messages, want 0", got)
	}
}

func TestConversationSync_SendGift(t *testing.T) {
	store := &teststore{
		T: t,
		sendGift: func(t *testing.T, conversationID, senderID, giftID, note string) (Message, error) {
			if giftID != "gift-7" {
				t.Errorf("gift id %q, want gift-7", giftID)
			}
			return Message{
				ID: "srv-9", ConversationID: conversationID, SenderID: senderID,
				Content: note, Kind: KindGift,
				Gift:      &Gift{ID: giftID, Name: "Roses", Price: 50},
				Status:    StatusSent,
				CreatedAt: time.Now(),
			}, nil
		},
	}
	feed := &testfeed{T: t}
	s, _ := newTestSync(t, store, feed)
	require.NoError(t, s.Open(context.Background()))

	require.ErrorIs(t, s.SendGift(context.Background(), "", "note"), ErrMissingGift)

	require.NoError(t, s.SendGift(context.Background(), "gift-7", "you're wonderful"))
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "srv-9", msgs[0].ID)
	require.Equal(t, KindGift, msgs[0].Kind)
	require.Equal(t, "Roses", msgs[0].Gift.Name)
}

func TestConversationSync_CloseDiscardsLateHistory(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	store := &teststore{
		T: t,
		history: func(t *testing.T, ctx context.Context, _ string) ([]Message, error) {
			close(started)
			<-release
			if ctx.Err() == nil {
				t.Error("history fetch was not cancelled by Close")
			}
			return []Message{{ID: "m1", CreatedAt: time.Now()}}, nil
		},
	}
	feed := &testfeed{T: t}
	s, reg := newTestSync(t, store, feed)

	openErr := make(chan error, 1)
	go func() { openErr <- s.Open(context.Background()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("history fetch never started")
	}
	s.Close()
	close(release)

	if err := <-openErr; !errors.Is(err, ErrClosed) {
		t.Errorf("open returned %v, want ErrClosed", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if got := len(s.Messages()); got != 0 {
		t.Errorf("late history was applied to a closed core: %d messages", got)
	}
	if got := reg.Active(); got != 0 {
		t.Errorf("got %d active subscriptions, want 0", got)
	}
}

func TestConversationSync_CloseIsIdempotent(t *testing.T) {
	store := &teststore{T: t}
	feed := &testfeed{T: t}
	s, reg := newTestSync(t, store, feed)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := reg.Active(); got != 1 {
		t.Fatalf("got %d active subscriptions, want 1", got)
	}

	// Overlapping teardown signals: navigation-away and backgrounding.
	s.Close()
	s.Close()
	reg.Unsubscribe("conv1")

	if got := reg.Active(); got != 0 {
		t.Errorf("got %d active subscriptions, want 0", got)
	}
	if !feed.channel(0).isClosed() {
		t.Error("channel was not closed")
	}
	if err := s.Send(context.Background(), "hello"); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close returned %v, want ErrClosed", err)
	}
}

func TestConversationSync_DefaultAfterDeliverMarksRead(t *testing.T) {
	marked := make(chan string, 1)
	store := &teststore{
		T: t,
		getMessage: func(t *testing.T, messageID string) (Message, error) {
			return Message{ID: messageID, ConversationID: "conv1", SenderID: "bob"}, nil
		},
		markMessageRead: func(t *testing.T, messageID string) error {
			marked <- messageID
			return nil
		},
	}
	feed := &testfeed{T: t}
	s, _ := newTestSync(t, store, feed)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	feed.channel(0).emit(MessageEvent{MessageID: "m3", ConversationID: "conv1", SenderID: "bob"})

	select {
	case id := <-marked:
		if id != "m3" {
			t.Errorf("marked %q read, want m3", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivered message was never marked read")
	}
}

func TestConversationSync_SubscribeFailureIsNonFatal(t *testing.T) {
	store := &teststore{
		T: t,
		history: func(t *testing.T, _ context.Context, _ string) ([]Message, error) {
			return []Message{{ID: "m1", CreatedAt: time.Now()}}, nil
		},
	}
	feed := &testfeed{T: t, openErr: errors.New("connection refused")}
	s, _ := newTestSync(t, store, feed)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := s.State(); got != StateReady {
		t.Errorf("state = %v, want ready (history must survive a channel failure)", got)
	}
	if !s.ConnectionIssue() {
		t.Error("ConnectionIssue() = false after failed subscribe")
	}
	if got := len(s.Messages()); got != 1 {
		t.Errorf("got %d messages, want 1", got)
	}
}

func TestConversationSync_MarksConversationReadOnOpen(t *testing.T) {
	marked := make(chan string, 1)
	store := &teststore{
		T: t,
		markConversationRead: func(t *testing.T, conversationID, readerID string) error {
			if readerID != "alice" {
				t.Errorf("reader %q, want alice", readerID)
			}
			marked <- conversationID
			return nil
		},
	}
	feed := &testfeed{T: t}
	s, _ := newTestSync(t, store, feed)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case id := <-marked:
		if id != "conv1" {
			t.Errorf("marked conversation %q, want conv1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("conversation was never marked read on open")
	}
}
