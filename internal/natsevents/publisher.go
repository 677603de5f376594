// Package natsevents publishes queue lifecycle events on NATS.
package natsevents

import (
	"context"
	"encoding/json"
	"time"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// SubjectPrefix is prepended to the event kind, eg. "notify.events.exhausted".
const SubjectPrefix = "notify.events."

// Message is the JSON document published for each event.
type Message struct {
	Kind        queue.EventKind `json:"kind"`
	JobID       string          `json:"jobId"`
	Type        string          `json:"type"`
	State       queue.JobState  `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Error       string          `json:"error,omitempty"`
	RetryDelay  string          `json:"retryDelay,omitempty"`
	At          time.Time       `json:"at"`
}

// Publisher is a queue.Observer that forwards events to NATS core pub/sub.
// Publishing is fire and forget; failures are logged and never affect job state.
type Publisher struct {
	nc     *nats.Conn
	logger log.Logger
}

// Connect dials the NATS server at url.
func Connect(url string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("notify-worker"))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats %s", url)
	}
	return NewPublisher(nc, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Publisher{nc: nc, logger: logger}
}

// Observe implements queue.Observer.
func (p *Publisher) Observe(_ context.Context, event queue.Event) {
	msg := Message{
		Kind:        event.Kind,
		JobID:       event.Job.ID,
		Type:        event.Job.Key,
		State:       event.Job.State,
		Attempts:    event.Job.Attempts,
		MaxAttempts: event.Job.MaxAttempts,
		At:          event.At,
	}
	if event.Err != nil {
		msg.Error = event.Err.Error()
	}
	if event.Delay > 0 {
		msg.RetryDelay = event.Delay.String()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		_ = level.Warn(p.logger).Log("err", errors.Wrap(err, "marshal event"))
		return
	}
	if err := p.nc.Publish(SubjectPrefix+string(event.Kind), data); err != nil {
		_ = level.Warn(p.logger).Log("err", errors.Wrapf(err, "publish %s event for job %s", event.Kind, event.Job.ID))
	}
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
