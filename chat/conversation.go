package chat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duetapp/chatsync/chat/validator"
)

// SyncState is the lifecycle state of a ConversationSync.
type SyncState int

const (
	StateIdle SyncState = iota
	StateLoading
	StateReady
	StateError
	StateClosed
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type sendTextCommand struct {
	ConversationID string `validate:"required"`
	SenderID       string `validate:"required"`
	Content        string `validate:"required"`
}

type sendGiftCommand struct {
	ConversationID string `validate:"required"`
	SenderID       string `validate:"required"`
	GiftID         string `validate:"required"`
}

// A ConversationSync is the per-open-conversation orchestration unit: it
// loads history, attaches to the live channel, merges incoming events
// into one ordered message list without duplication, and exposes send
// operations with optimistic-update semantics.
//
// Lifecycle: Idle -> Loading -> Ready -> Closed, with Loading -> Error on
// a failed history fetch and Error -> Loading on Retry.
type ConversationSync struct {
	store    Store
	registry *Registry
	val      *validator.Validator
	logger   *slog.Logger

	conversationID string
	userID         string

	// AfterDeliver runs after each incoming message is appended. The
	// default marks the delivered message read (mark-read-on-view); swap
	// it to change the policy without touching subscription plumbing.
	AfterDeliver func(ctx context.Context, msg Message)

	mu        sync.Mutex
	state     SyncState
	msgs      []Message
	seen      map[string]struct{}
	sending   bool
	lastErr   error
	connIssue bool
	cancel    context.CancelFunc
	onUpdate  func()
}

// NewConversationSync builds a sync core for one conversation viewed by
// one user. Call Open to load history and attach to the live channel,
// and Close when the view goes away.
func NewConversationSync(store Store, registry *Registry, logger *slog.Logger, conversationID, userID string) *ConversationSync {
	s := &ConversationSync{
		store:          store,
		registry:       registry,
		val:            validator.New(),
		logger:         logger,
		conversationID: conversationID,
		userID:         userID,
		state:          StateIdle,
		seen:           make(map[string]struct{}),
	}
	s.AfterDeliver = func(ctx context.Context, msg Message) {
		if err := s.store.MarkMessageRead(ctx, msg.ID); err != nil {
			s.logger.Error("Could not mark message read",
				"message_id", msg.ID, "error", err.Error())
		}
	}
	return s
}

// OnUpdate registers a callback invoked whenever the message list or the
// flags change. Register before Open.
func (s *ConversationSync) OnUpdate(fn func()) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

func (s *ConversationSync) notify() {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Open fetches history and then subscribes to live updates, strictly in
// that order: subscribing first would let a live event race ahead of the
// historical snapshot. A subscription failure is non-fatal; history
// stays available and ConnectionIssue reports the degraded state.
func (s *ConversationSync) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateError {
		state := s.state
		s.mu.Unlock()
		if state == StateClosed {
			return ErrClosed
		}
		return nil
	}
	s.state = StateLoading
	s.lastErr = nil
	s.connIssue = false
	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	s.notify()
	// The fetch context only covers the history load; Close cancels it
	// to abandon an in-flight fetch.
	defer cancel()

	msgs, err := s.store.History(fetchCtx, s.conversationID)

	s.mu.Lock()
	if s.state == StateClosed {
		// The view closed while the fetch was in flight; discard the
		// result rather than applying it to a dead core.
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.state = StateError
		s.lastErr = &StoreError{Op: "history", Err: err}
		s.mu.Unlock()
		s.notify()
		s.logger.Error("Could not load history",
			"conversation_id", s.conversationID, "error", err.Error())
		return s.lastErr
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	s.msgs = msgs
	s.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		s.seen[m.ID] = struct{}{}
	}
	s.state = StateReady
	s.mu.Unlock()
	s.notify()

	if _, err := s.registry.Subscribe(ctx, s.conversationID, s.userID, s.deliver, s.channelError); err != nil {
		s.logger.Error("Could not subscribe to conversation",
			"conversation_id", s.conversationID, "error", err.Error())
		s.mu.Lock()
		s.connIssue = true
		s.mu.Unlock()
		s.notify()
	} else {
		s.mu.Lock()
		closed := s.state == StateClosed
		s.mu.Unlock()
		if closed {
			// Close ran between history load and subscribe; do not leave
			// a channel behind for a dead view.
			s.registry.Unsubscribe(s.conversationID)
			return ErrClosed
		}
	}

	markCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.store.MarkConversationRead(markCtx, s.conversationID, s.userID); err != nil {
			s.logger.Error("Could not mark conversation read",
				"conversation_id", s.conversationID, "error", err.Error())
		}
	}()

	return nil
}

// Retry re-runs Open after a failed history fetch.
func (s *ConversationSync) Retry(ctx context.Context) error {
	return s.Open(ctx)
}

// deliver is the registry's onMessage callback: append in delivery order,
// once per message id. Appending never reorders loaded history.
func (s *ConversationSync) deliver(msg Message) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[msg.ID] = struct{}{}
	s.msgs = append(s.msgs, msg)
	after := s.AfterDeliver
	s.mu.Unlock()
	s.notify()

	if after != nil {
		go after(context.Background(), msg)
	}
}

func (s *ConversationSync) channelError(err error) {
	s.logger.Error("Live channel error",
		"conversation_id", s.conversationID, "error", err.Error())
	s.mu.Lock()
	s.connIssue = true
	s.mu.Unlock()
	s.notify()
}

// Send appends an optimistic pending message and then sends the content
// through the store. On success the pending entry is replaced in place by
// the server-confirmed message; on failure it is flagged as failed and
// kept visible so the send never silently vanishes.
func (s *ConversationSync) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	cmd := sendTextCommand{
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		Content:        content,
	}
	if errs := s.val.ValidateStruct(cmd); len(errs) > 0 {
		s.logger.Warn("Rejected send", "conversation_id", s.conversationID, "field", errs[0].Field)
		return ErrEmptyContent
	}

	localID, err := s.appendPending(content, KindText, nil)
	if err != nil {
		return err
	}

	msg, sendErr := s.store.SendText(ctx, s.conversationID, s.userID, content)
	return s.reconcile(localID, msg, sendErr, "send text")
}

// SendGift is Send for gift messages. The note may be empty; the gift
// reference itself is required.
func (s *ConversationSync) SendGift(ctx context.Context, giftID, note string) error {
	note = strings.TrimSpace(note)
	cmd := sendGiftCommand{
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		GiftID:         giftID,
	}
	if errs := s.val.ValidateStruct(cmd); len(errs) > 0 {
		s.logger.Warn("Rejected gift send", "conversation_id", s.conversationID, "field", errs[0].Field)
		return ErrMissingGift
	}

	localID, err := s.appendPending(note, KindGift, &Gift{ID: giftID})
	if err != nil {
		return err
	}

	msg, sendErr := s.store.SendGift(ctx, s.conversationID, s.userID, giftID, note)
	return s.reconcile(localID, msg, sendErr, "send gift")
}

func (s *ConversationSync) appendPending(content string, kind MessageKind, gift *Gift) (string, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return "", ErrClosed
	case StateReady:
	default:
		s.mu.Unlock()
		return "", ErrNotReady
	}
	localID := "pending-" + uuid.NewString()
	local := Message{
		ID:             localID,
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		Content:        content,
		Kind:           kind,
		Status:         StatusSent,
		CreatedAt:      time.Now(),
		Gift:           gift,
		Pending:        true,
	}
	s.seen[localID] = struct{}{}
	s.msgs = append(s.msgs, local)
	s.sending = true
	s.mu.Unlock()
	s.notify()
	return localID, nil
}

// reconcile swaps the pending entry for its server-confirmed counterpart.
// The pending entry's id was captured at append time, so the match is
// exact; no content heuristics are involved. If the pending entry is gone
// the confirmed message is appended through the normal dedup path, so a
// confirmed send is never lost.
func (s *ConversationSync) reconcile(localID string, msg Message, sendErr error, op string) error {
	s.mu.Lock()
	s.sending = false
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}

	if sendErr != nil {
		for i := range s.msgs {
			if s.msgs[i].ID == localID {
				s.msgs[i].Pending = false
				s.msgs[i].Failed = true
				break
			}
		}
		s.mu.Unlock()
		s.notify()
		s.logger.Error("Could not send message",
			"conversation_id", s.conversationID, "error", sendErr.Error())
		return &StoreError{Op: op, Err: sendErr}
	}

	replaced := false
	for i := range s.msgs {
		if s.msgs[i].ID != localID {
			continue
		}
		delete(s.seen, localID)
		if _, dup := s.seen[msg.ID]; dup {
			// The confirmed row already arrived through another path;
			// drop the pending entry instead of duplicating it.
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
		} else {
			s.seen[msg.ID] = struct{}{}
			s.msgs[i] = msg
		}
		replaced = true
		break
	}
	if !replaced {
		if _, dup := s.seen[msg.ID]; !dup {
			s.seen[msg.ID] = struct{}{}
			s.msgs = append(s.msgs, msg)
		}
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Close tears the conversation down: it cancels an in-flight history
// fetch and releases the live channel. Safe to call more than once; the
// unsubscribe runs exactly once no matter how many teardown signals fire.
func (s *ConversationSync) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.registry.Unsubscribe(s.conversationID)
}

// Messages returns a copy of the current ordered message list.
func (s *ConversationSync) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// State returns the current lifecycle state.
func (s *ConversationSync) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last history-load failure, if any.
func (s *ConversationSync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Sending reports whether a send is in flight.
func (s *ConversationSync) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// ConnectionIssue reports whether the live channel is degraded. History
// stays intact; re-opening the view re-establishes the channel.
func (s *ConversationSync) ConnectionIssue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connIssue
}
