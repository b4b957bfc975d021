package hub

import (
	"errors"

	"github.com/zijiren233/synctv-relay/pkg/models"
)

// Errors returned on hub operations.
var (
	ErrAlreadyPublishing = errors.New("stream is already being published")
	ErrNotFound          = errors.New("stream not found")
	ErrSlowConsumer      = errors.New("subscriber could not keep up")
	ErrHubBacklogged     = errors.New("hub mailbox is full")
	ErrClosed            = errors.New("hub is closed")
)

// EventKind enumerates the transitions republished on the broadcast bus.
type EventKind uint8

const (
	EventPublish EventKind = iota + 1
	EventUnpublish
	EventSubscribe
	EventUnsubscribe
)

func (k EventKind) String() string {
	switch k {
	case EventPublish:
		return "publish"
	case EventUnpublish:
		return "unpublish"
	case EventSubscribe:
		return "subscribe"
	case EventUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Event is a stream lifecycle transition observed on the broadcast bus.
// Auxiliary components (publisher registry client, statistics) watch these
// instead of reaching into hub state.
type Event struct {
	Kind       EventKind
	Key        models.StreamKey
	Publisher  models.PublisherInfo
	Subscriber models.SubscriberInfo
}

// command mailbox messages; each carries a reply channel where a response
// is expected.

type publishCmd struct {
	key   models.StreamKey
	info  models.PublisherInfo
	reply chan publishReply
}

type publishReply struct {
	sender *Sender
	kick   <-chan string
	err    error
}

type unpublishCmd struct {
	key         models.StreamKey
	publisherID string
	done        chan struct{}
}

type subscribeCmd struct {
	key   models.StreamKey
	info  models.SubscriberInfo
	reply chan subscribeReply
}

type subscribeReply struct {
	sub *Subscription
	err error
}

type unsubscribeCmd struct {
	key          models.StreamKey
	subscriberID string
	done         chan struct{}
}

type frameCmd struct {
	key         models.StreamKey
	publisherID string
	frame       models.Frame
}

type kickCmd struct {
	key         models.StreamKey
	publisherID string
	reason      string
}

type snapshotCmd struct {
	reply chan []models.StreamSnapshot
}

type existsCmd struct {
	key   models.StreamKey
	reply chan bool
}
