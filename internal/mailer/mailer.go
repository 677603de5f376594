// Package mailer turns queued EmailJobs into deliveries.
package mailer

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/DoNewsCode/notify-queue/internal/message"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// EmailJob is the queue payload. It only references the stored message.
type EmailJob struct {
	MessageID int64 `json:"messageId"`
}

// ErrDeliveryFailed is returned by the simulated sender on an injected failure.
var ErrDeliveryFailed = errors.New("email delivery failed")

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, m *message.Message) error
}

// MessageGetter loads a message by id.
type MessageGetter interface {
	Get(ctx context.Context, id int64) (*message.Message, error)
}

// Handler is the queue.Handler for EmailJob.
type Handler struct {
	Messages MessageGetter
	Sender   Sender
	Logger   log.Logger
}

// Listen implements queue.Handler.
func (h Handler) Listen() queue.Job {
	return queue.JobFrom(EmailJob{})
}

// Process loads and validates the message, then sends it. Invalid messages
// fail permanently; a missing record or a send error is retried.
func (h Handler) Process(ctx context.Context, job queue.Job) error {
	payload := job.Data().(EmailJob)
	m, err := h.Messages.Get(ctx, payload.MessageID)
	if err != nil {
		return err
	}
	if err := validate(m); err != nil {
		return queue.Permanent(err)
	}
	if err := h.Sender.Send(ctx, m); err != nil {
		return errors.Wrapf(err, "send message %d", m.ID)
	}
	_ = level.Info(h.logger()).Log("msg", "email sent", "messageId", m.ID, "to", m.Email)
	return nil
}

func (h Handler) logger() log.Logger {
	if h.Logger == nil {
		return log.NewNopLogger()
	}
	return h.Logger
}

func validate(m *message.Message) error {
	if m.Email == "" || m.Body == "" {
		return errors.Errorf("message %d is missing email or body", m.ID)
	}
	if !strings.Contains(m.Email, "@") {
		return errors.Errorf("message %d has an invalid email %q", m.ID, m.Email)
	}
	return nil
}

// Config tunes the simulated sender.
type Config struct {
	FailureRate         float64 `yaml:"failureRate" json:"failureRate"`
	MinDelayMillisecond int     `yaml:"minDelayMillisecond" json:"minDelayMillisecond"`
	MaxDelayMillisecond int     `yaml:"maxDelayMillisecond" json:"maxDelayMillisecond"`
	Seed                int64   `yaml:"seed" json:"seed"`
}

// DefaultConfig mirrors a flaky upstream: 1 to 3 seconds per send, 5% failures.
func DefaultConfig() Config {
	return Config{
		FailureRate:         0.05,
		MinDelayMillisecond: 1000,
		MaxDelayMillisecond: 3000,
		Seed:                time.Now().UnixNano(),
	}
}

// LogSender pretends to send emails. It waits a random delay and fails with
// the configured probability, using its own seeded source.
type LogSender struct {
	conf   Config
	logger log.Logger
	mu     sync.Mutex
	rnd    *rand.Rand
}

// NewLogSender creates a LogSender.
func NewLogSender(conf Config, logger log.Logger) *LogSender {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &LogSender{conf: conf, logger: logger, rnd: rand.New(rand.NewSource(conf.Seed))}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, m *message.Message) error {
	s.mu.Lock()
	delay := time.Duration(s.conf.MinDelayMillisecond) * time.Millisecond
	if spread := s.conf.MaxDelayMillisecond - s.conf.MinDelayMillisecond; spread > 0 {
		delay += time.Duration(s.rnd.Intn(spread)) * time.Millisecond
	}
	fail := s.rnd.Float64() < s.conf.FailureRate
	s.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	if fail {
		return ErrDeliveryFailed
	}
	_ = level.Debug(s.logger).Log("msg", "simulated delivery", "to", m.Email, "delay", delay)
	return nil
}
