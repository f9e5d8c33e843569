package eventstream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type JetstreamConfig struct {
	Servers     []string
	StreamName  string
	Subject     string
	Queue       string
	ConnTimeout time.Duration
	MaxAgeDays  int
	Replicas    int
	InMemory    bool
}

// JetstreamEventStream is the durable EventStream implementation backed by a
// NATS JetStream stream with a queue-group consumer, so multiple scheduler
// replicas share one subscription.
type JetstreamEventStream struct {
	subject string
	queue   string
	conn    *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
}

func NewJetstreamEventStream(opts *JetstreamConfig) (*JetstreamEventStream, error) {
	conn, err := nats.Connect(strings.Join(opts.Servers, ","), nats.Timeout(opts.ConnTimeout))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, errors.WithStack(err)
	}

	storage := nats.FileStorage
	if opts.InMemory {
		storage = nats.MemoryStorage
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     opts.StreamName,
		Subjects: []string{opts.Subject},
		MaxAge:   time.Duration(opts.MaxAgeDays) * 24 * time.Hour,
		Replicas: opts.Replicas,
		Storage:  storage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, errors.Wrapf(err, "error creating stream %q", opts.StreamName)
	}

	return &JetstreamEventStream{
		subject: opts.Subject,
		queue:   opts.Queue,
		conn:    conn,
		js:      js,
	}, nil
}

func (c *JetstreamEventStream) Publish(events []*Event) []error {
	var errs []error
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			errs = append(errs, errors.Wrap(err, "error while marshalling event"))
			continue
		}
		if _, err := c.js.Publish(c.subject, data); err != nil {
			errs = append(errs, errors.Wrapf(err, "error when publishing to subject %q", c.subject))
		}
	}
	return errs
}

func (c *JetstreamEventStream) Subscribe(callback func(event *Event) error) error {
	sub, err := c.js.QueueSubscribe(c.subject, c.queue, func(msg *nats.Msg) {
		event := &Event{}
		if err := json.Unmarshal(msg.Data, event); err != nil {
			log.Errorf("failed to unmarshal event: %v", err)
			return
		}
		if err := callback(event); err != nil {
			log.Errorf("queue subscribe callback error: %v", err)
		}
		if err := msg.Ack(); err != nil {
			log.Errorf("error when acknowledging message: %v", err)
		}
	}, nats.ManualAck(), nats.Durable(c.queue))
	if err != nil {
		return errors.Wrap(err, "error when trying to queue subscribe")
	}
	c.sub = sub
	return nil
}

func (c *JetstreamEventStream) Close() error {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			return errors.WithStack(err)
		}
	}
	c.conn.Close()
	return nil
}
