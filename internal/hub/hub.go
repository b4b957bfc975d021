package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/internal/gop"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

const (
	// mailboxSize bounds the hub's command/frame mailbox. A publisher that
	// cannot enqueue within sendTimeout is terminated rather than allowed
	// to block the network goroutine forever.
	mailboxSize = 2048
	// subscriberBuffer bounds each subscriber's frame channel. A full
	// channel drops the subscriber, never the publisher.
	subscriberBuffer = 512
	// broadcastBuffer bounds each broadcast observer channel.
	broadcastBuffer = 64

	sendTimeout = 5 * time.Second
)

// subscriber is the hub-side handle for one attached reader.
type subscriber struct {
	info models.SubscriberInfo
	ch   chan models.Frame
}

// streamState is the per-stream record owned exclusively by the hub task.
type streamState struct {
	key         models.StreamKey
	publisher   models.PublisherInfo
	epoch       uint64
	createdAt   time.Time
	cache       *gop.Cache
	mediaInfo   *models.Frame // sticky, replayed to new subscribers
	metadata    *models.Frame // sticky onMetaData
	subscribers map[string]*subscriber
	kick        chan string
	stats       models.StreamStats
}

// Hub is the in-process fan-out bus. A single goroutine owns the stream
// map and serialises every mutation; sessions talk to it through bounded
// channels and never share state directly.
type Hub struct {
	mailbox   chan interface{}
	maxGOPs   int
	epochs    map[models.StreamKey]uint64
	observers []chan Event
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a hub whose GOP caches hold up to maxGOPs GOPs per stream.
func New(maxGOPs int) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		mailbox: make(chan interface{}, mailboxSize),
		maxGOPs: maxGOPs,
		epochs:  make(map[models.StreamKey]uint64),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.run()
	return h
}

// Close stops the hub task. Pending subscribers are flushed.
func (h *Hub) Close() {
	h.cancel()
}

// Observe registers a broadcast observer. Every Publish/Unpublish/
// Subscribe/Unsubscribe is republished on the returned channel in the
// order the hub processed it. Slow observers lose events with a warning
// rather than blocking the hub.
func (h *Hub) Observe() <-chan Event {
	ch := make(chan Event, broadcastBuffer)
	done := make(chan struct{})
	h.send(observeCmd{ch: ch, done: done})
	<-done
	return ch
}

type observeCmd struct {
	ch   chan Event
	done chan struct{}
}

// Publish registers a new stream. It fails with ErrAlreadyPublishing when
// a live publisher already owns the key. The returned Sender pushes frames
// into the hub; the kick channel delivers a reason when the hub evicts the
// publisher (registry conflict, shutdown).
func (h *Hub) Publish(key models.StreamKey, info models.PublisherInfo) (*Sender, <-chan string, error) {
	reply := make(chan publishReply, 1)
	if err := h.send(publishCmd{key: key, info: info, reply: reply}); err != nil {
		return nil, nil, err
	}
	r := <-reply
	return r.sender, r.kick, r.err
}

// Unpublish tears a stream down. It is idempotent: unknown keys and stale
// publisher ids are ignored.
func (h *Hub) Unpublish(key models.StreamKey, publisherID string) {
	done := make(chan struct{})
	if err := h.send(unpublishCmd{key: key, publisherID: publisherID, done: done}); err != nil {
		return
	}
	<-done
}

// Subscribe attaches a reader to a stream. The returned Subscription holds
// the prior data (sticky MediaInfo/Metadata, then the cached GOPs in
// insertion order) and the live frame channel; the session must deliver
// the prior data before draining the channel. Fails with ErrNotFound when
// no stream exists: subscribers never create streams (see the pull stream
// manager).
func (h *Hub) Subscribe(key models.StreamKey, info models.SubscriberInfo) (*Subscription, error) {
	reply := make(chan subscribeReply, 1)
	if err := h.send(subscribeCmd{key: key, info: info, reply: reply}); err != nil {
		return nil, err
	}
	r := <-reply
	return r.sub, r.err
}

// Unsubscribe detaches a reader. Idempotent.
func (h *Hub) Unsubscribe(key models.StreamKey, subscriberID string) {
	done := make(chan struct{})
	if err := h.send(unsubscribeCmd{key: key, subscriberID: subscriberID, done: done}); err != nil {
		return
	}
	<-done
}

// Kick evicts a publisher with a reason, closing its session. Used by the
// registry client when a distributed claim is lost.
func (h *Hub) Kick(key models.StreamKey, publisherID, reason string) {
	h.send(kickCmd{key: key, publisherID: publisherID, reason: reason})
}

// Exists reports whether the hub currently holds a stream for key.
func (h *Hub) Exists(key models.StreamKey) bool {
	reply := make(chan bool, 1)
	if err := h.send(existsCmd{key: key, reply: reply}); err != nil {
		return false
	}
	return <-reply
}

// Snapshot returns a copy of every stream's state for listings.
func (h *Hub) Snapshot() []models.StreamSnapshot {
	reply := make(chan []models.StreamSnapshot, 1)
	if err := h.send(snapshotCmd{reply: reply}); err != nil {
		return nil
	}
	return <-reply
}

// send enqueues a command, failing when the hub is closed or backlogged.
// The fast path never allocates a timer.
func (h *Hub) send(v interface{}) error {
	select {
	case h.mailbox <- v:
		return nil
	default:
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case h.mailbox <- v:
		return nil
	case <-h.ctx.Done():
		return ErrClosed
	case <-timer.C:
		return ErrHubBacklogged
	}
}

// Sender is the bounded frame path from one publisher into the hub.
type Sender struct {
	hub         *Hub
	key         models.StreamKey
	publisherID string
}

// Send enqueues one frame. It fails with ErrHubBacklogged when the hub
// cannot drain within the send timeout; the caller must treat that as a
// fatal session error.
func (s *Sender) Send(f models.Frame) error {
	return s.hub.send(frameCmd{key: s.key, publisherID: s.publisherID, frame: f})
}

// Subscription is the reader side handed out by Subscribe.
type Subscription struct {
	ID     string
	Key    models.StreamKey
	Prior  []models.Frame
	Frames <-chan models.Frame
}

// run is the hub task: the sole owner of the stream map.
func (h *Hub) run() {
	streams := make(map[models.StreamKey]*streamState)
	for {
		select {
		case <-h.ctx.Done():
			for key, st := range streams {
				h.teardown(streams, key, st)
			}
			return
		case raw := <-h.mailbox:
			switch cmd := raw.(type) {
			case publishCmd:
				h.handlePublish(streams, cmd)
			case unpublishCmd:
				if st, ok := streams[cmd.key]; ok && st.publisher.ID == cmd.publisherID {
					h.teardown(streams, cmd.key, st)
				}
				close(cmd.done)
			case subscribeCmd:
				h.handleSubscribe(streams, cmd)
			case unsubscribeCmd:
				if st, ok := streams[cmd.key]; ok {
					if sub, ok := st.subscribers[cmd.subscriberID]; ok {
						delete(st.subscribers, cmd.subscriberID)
						close(sub.ch)
						h.broadcast(Event{Kind: EventUnsubscribe, Key: cmd.key, Subscriber: sub.info})
					}
				}
				close(cmd.done)
			case frameCmd:
				if st, ok := streams[cmd.key]; ok && st.publisher.ID == cmd.publisherID {
					h.handleFrame(st, cmd.frame)
				}
			case kickCmd:
				if st, ok := streams[cmd.key]; ok && st.publisher.ID == cmd.publisherID {
					select {
					case st.kick <- cmd.reason:
					default:
					}
				}
			case snapshotCmd:
				out := make([]models.StreamSnapshot, 0, len(streams))
				for _, st := range streams {
					out = append(out, snapshotOf(st))
				}
				cmd.reply <- out
			case existsCmd:
				_, ok := streams[cmd.key]
				cmd.reply <- ok
			case observeCmd:
				h.observers = append(h.observers, cmd.ch)
				close(cmd.done)
			}
		}
	}
}

func (h *Hub) handlePublish(streams map[models.StreamKey]*streamState, cmd publishCmd) {
	if _, ok := streams[cmd.key]; ok {
		cmd.reply <- publishReply{err: ErrAlreadyPublishing}
		return
	}
	h.epochs[cmd.key]++
	st := &streamState{
		key:         cmd.key,
		publisher:   cmd.info,
		epoch:       h.epochs[cmd.key],
		createdAt:   time.Now(),
		cache:       gop.NewCache(h.maxGOPs),
		subscribers: make(map[string]*subscriber),
		kick:        make(chan string, 1),
	}
	streams[cmd.key] = st
	log.Info().
		Stringer("stream", cmd.key).
		Str("publisher", cmd.info.ID).
		Str("type", string(cmd.info.Type)).
		Uint64("epoch", st.epoch).
		Msg("stream published")
	h.broadcast(Event{Kind: EventPublish, Key: cmd.key, Publisher: cmd.info})
	cmd.reply <- publishReply{
		sender: &Sender{hub: h, key: cmd.key, publisherID: cmd.info.ID},
		kick:   st.kick,
	}
}

func (h *Hub) handleSubscribe(streams map[models.StreamKey]*streamState, cmd subscribeCmd) {
	st, ok := streams[cmd.key]
	if !ok {
		cmd.reply <- subscribeReply{err: ErrNotFound}
		return
	}
	sub := &subscriber{info: cmd.info, ch: make(chan models.Frame, subscriberBuffer)}
	st.subscribers[cmd.info.ID] = sub

	// Prior data per the prefix contract: sticky MediaInfo, sticky
	// Metadata, then frozen GOP frames in insertion order.
	var prior []models.Frame
	if st.mediaInfo != nil {
		prior = append(prior, *st.mediaInfo)
	}
	if st.metadata != nil {
		prior = append(prior, *st.metadata)
	}
	prior = append(prior, st.cache.Snapshot()...)

	h.broadcast(Event{Kind: EventSubscribe, Key: cmd.key, Subscriber: cmd.info})
	cmd.reply <- subscribeReply{sub: &Subscription{
		ID:     cmd.info.ID,
		Key:    cmd.key,
		Prior:  prior,
		Frames: sub.ch,
	}}
}

func (h *Hub) handleFrame(st *streamState, f models.Frame) {
	switch f.Kind {
	case models.FrameMediaInfo:
		st.mediaInfo = &f
	case models.FrameMetadata:
		st.metadata = &f
	default:
		st.cache.Append(f)
	}
	st.stats.FramesReceived++
	st.stats.BytesReceived += uint64(len(f.Payload))
	if f.IsKeyFrame {
		st.stats.KeyFrames++
	}
	for id, sub := range st.subscribers {
		select {
		case sub.ch <- f:
			st.stats.FramesSent++
			st.stats.BytesSent += uint64(len(f.Payload))
		default:
			// Slow consumer: drop the subscriber, never stall the
			// publisher.
			delete(st.subscribers, id)
			close(sub.ch)
			st.stats.DroppedFrames++
			log.Warn().
				Stringer("stream", st.key).
				Str("subscriber", id).
				Str("type", string(sub.info.Type)).
				Msg("dropping slow consumer")
			h.broadcast(Event{Kind: EventUnsubscribe, Key: st.key, Subscriber: sub.info})
		}
	}
}

// teardown flushes subscribers, drops the state and emits the unpublish
// broadcast. Exactly one broadcast is emitted per teardown.
func (h *Hub) teardown(streams map[models.StreamKey]*streamState, key models.StreamKey, st *streamState) {
	for _, sub := range st.subscribers {
		close(sub.ch)
	}
	close(st.kick)
	delete(streams, key)
	log.Info().Stringer("stream", key).Str("publisher", st.publisher.ID).Msg("stream unpublished")
	h.broadcast(Event{Kind: EventUnpublish, Key: key, Publisher: st.publisher})
}

func (h *Hub) broadcast(ev Event) {
	for _, ch := range h.observers {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("event", ev.Kind.String()).Msg("broadcast observer lagging, event dropped")
		}
	}
}

func snapshotOf(st *streamState) models.StreamSnapshot {
	subs := make([]models.SubscriberInfo, 0, len(st.subscribers))
	for _, s := range st.subscribers {
		subs = append(subs, s.info)
	}
	return models.StreamSnapshot{
		Key:         st.key,
		Publisher:   st.publisher,
		Epoch:       st.epoch,
		CreatedAt:   st.createdAt,
		Subscribers: subs,
		Stats:       st.stats,
	}
}

// Epoch returns the current local epoch for a key (0 when never published).
func (h *Hub) Epoch(key models.StreamKey) uint64 {
	for _, snap := range h.Snapshot() {
		if snap.Key == key {
			return snap.Epoch
		}
	}
	return 0
}
