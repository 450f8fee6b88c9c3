package chat

import (
	"context"
	"log/slog"
	"sync"
)

// A Registry owns the live channels, at most one per conversation id. It
// is constructed explicitly and injected where needed; its lifetime is
// the authenticated session, and ShutdownAll at session end prevents
// channels leaking across an auth boundary.
//
// The registry's map is the only shared mutable state between open
// conversations. All mutation goes through Subscribe, Unsubscribe and
// ShutdownAll.
type Registry struct {
	store  Store
	feed   ChangeFeed
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewRegistry returns an empty registry backed by the given feed. The
// store is used to enrich raw change events before delivery.
func NewRegistry(store Store, feed ChangeFeed, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		feed:   feed,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// A Subscription is the process-local handle for one conversation's live
// channel. It is created by Registry.Subscribe and owned by the registry
// until Unsubscribe or ShutdownAll removes it.
type Subscription struct {
	conversationID string
	readerID       string
	onMessage      func(Message)
	onError        func(error)

	// ready is closed once the channel open attempt finished; err is set
	// before that when the open failed. Later subscribers and concurrent
	// unsubscribes wait on ready instead of dialing a second channel.
	ready chan struct{}
	err   error

	ch     Channel
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// Done is closed once the subscription's event pump has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		<-s.ready
		if s.cancel != nil {
			s.cancel()
		}
		if s.ch != nil {
			// Nothing to recover from a close failure; the channel is
			// gone either way.
			_ = s.ch.Close()
		}
	})
}

// Subscribe ensures a live channel exists for the conversation and
// returns its handle. Subscribing to an already-subscribed conversation
// reuses the existing handle and its callbacks; it does not open a second
// channel. Concurrent first-subscribes for the same id are serialized by
// a reservation entry, so exactly one channel is ever opened.
//
// For each event on the channel: events whose sender equals readerID are
// suppressed (the sender's own view already holds the message via its
// optimistic append); the remaining events are enriched through the
// store and handed to onMessage. If enrichment fails the event is
// dropped and onError is invoked; there is no automatic retry.
func (r *Registry) Subscribe(ctx context.Context, conversationID, readerID string, onMessage func(Message), onError func(error)) (*Subscription, error) {
	r.mu.Lock()
	if sub, ok := r.subs[conversationID]; ok {
		r.mu.Unlock()
		<-sub.ready
		if sub.err != nil {
			return nil, sub.err
		}
		return sub, nil
	}

	sub := &Subscription{
		conversationID: conversationID,
		readerID:       readerID,
		onMessage:      onMessage,
		onError:        onError,
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	r.subs[conversationID] = sub
	r.mu.Unlock()

	ch, err := r.feed.OpenChannel(ctx, conversationID)
	if err != nil {
		sub.err = &ChannelError{ConversationID: conversationID, Err: err}
		close(sub.ready)
		close(sub.done)
		r.mu.Lock()
		if r.subs[conversationID] == sub {
			delete(r.subs, conversationID)
		}
		r.mu.Unlock()
		return nil, sub.err
	}

	// The pump outlives the subscribe call; its enrichment fetches must
	// not die with the caller's request context.
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub.ch = ch
	sub.cancel = cancel
	close(sub.ready)

	go r.pump(pumpCtx, sub)

	return sub, nil
}

func (r *Registry) pump(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	for ev := range sub.ch.Events() {
		if ctx.Err() != nil {
			// Teardown already started; keep draining so the feed can
			// close, but deliver nothing to the dead view.
			continue
		}
		if ev.SenderID == sub.readerID {
			continue
		}
		msg, err := r.store.GetMessage(ctx, ev.MessageID)
		if err != nil {
			if ctx.Err() != nil {
				// The fetch failed because teardown cancelled it, not
				// because the channel is unhealthy.
				continue
			}
			r.logger.Error("Could not enrich incoming message",
				"conversation_id", sub.conversationID,
				"message_id", ev.MessageID,
				"error", err.Error())
			if sub.onError != nil {
				sub.onError(&ChannelError{ConversationID: sub.conversationID, Err: err})
			}
			continue
		}
		sub.onMessage(msg)
	}
}

// Unsubscribe tears down the conversation's channel. Calling it for a
// conversation with no active subscription is a no-op. The map entry is
// removed before the channel is closed, so an unsubscribe that started
// earlier can never tear down a channel created by a later subscribe.
func (r *Registry) Unsubscribe(conversationID string) {
	r.mu.Lock()
	sub, ok := r.subs[conversationID]
	if ok {
		delete(r.subs, conversationID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	sub.close()
}

// ShutdownAll tears down every active channel. Called once at session
// teardown (logout or app backgrounding).
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Active reports the number of live subscriptions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
