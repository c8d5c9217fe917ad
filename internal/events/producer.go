package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTopic  string = "episurv.events"
	defaultSource string = "episurv"
	closeTimeout         = 5 * time.Second
)

var ErrProducerClosed = errors.New("event producer closed")

// Writer is the interface to be implemented by the underlying writer.
type Writer interface {
	Write(ctx context.Context, topic string, e cloudevents.Event) error
	Close(ctx context.Context) error
}

// EventProducer wraps a Writer with a buffer so callers are not blocked while the writer
// is busy. Events are written in publish order by a single goroutine.
type EventProducer struct {
	buffer  *buffer
	wakeCh  chan struct{}
	doneCh  chan struct{}
	stopped chan struct{}
	once    sync.Once
	// closeMu orders every accepted push before doneCh is closed, so the final drain sees it.
	closeMu sync.RWMutex
	writer  Writer
	topic   string
	source  string
}

func NewEventProducer(w Writer, opts ...ProducerOptions) *EventProducer {
	ep := &EventProducer{
		buffer:  newBuffer(),
		wakeCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
		stopped: make(chan struct{}),
		writer:  w,
		topic:   defaultTopic,
		source:  defaultSource,
	}

	for _, o := range opts {
		o(ep)
	}

	go ep.run()
	return ep
}

// Publish encodes payload as JSON and queues it as an event of the given kind.
func (ep *EventProducer) Publish(ctx context.Context, kind string, payload any) error {
	d, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ep.closeMu.RLock()
	select {
	case <-ep.doneCh:
		ep.closeMu.RUnlock()
		return ErrProducerClosed
	default:
	}
	ep.buffer.PushBack(&message{Kind: kind, Data: d})
	ep.closeMu.RUnlock()

	select {
	case ep.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// Close writes what is still buffered and closes the writer.
func (ep *EventProducer) Close() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	ep.closeMu.Lock()
	ep.once.Do(func() { close(ep.doneCh) })
	ep.closeMu.Unlock()

	g, ctx := errgroup.WithContext(closeCtx)
	g.Go(func() error {
		select {
		case <-ep.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
		return ep.writer.Close(ctx)
	})
	if err := g.Wait(); err != nil {
		zap.S().Named("event_producer").Errorw("event producer closed with error", "error", err, "dropped", ep.buffer.Size())
		return err
	}

	zap.S().Named("event_producer").Info("event producer closed")
	return nil
}

func (ep *EventProducer) run() {
	defer close(ep.stopped)

	for {
		ep.drain()

		select {
		case <-ep.wakeCh:
		case <-ep.doneCh:
			ep.drain()
			return
		}
	}
}

func (ep *EventProducer) drain() {
	for msg := ep.buffer.Pop(); msg != nil; msg = ep.buffer.Pop() {
		e := cloudevents.NewEvent()
		e.SetID(uuid.NewString())
		e.SetSource(ep.source)
		e.SetType(msg.Kind)
		e.SetTime(time.Now().UTC())
		_ = e.SetData(*cloudevents.StringOfApplicationJSON(), msg.Data)

		if err := ep.writer.Write(context.TODO(), ep.topic, e); err != nil {
			zap.S().Named("event_producer").Errorw("failed to write event", "error", err, "type", msg.Kind)
		}
	}
}
