package mailer

import (
	"context"
	"errors"
	"testing"
	"time"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/DoNewsCode/notify-queue/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages map[int64]*message.Message

func (f fakeMessages) Get(_ context.Context, id int64) (*message.Message, error) {
	m, ok := f[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	return m, nil
}

type senderFunc func(ctx context.Context, m *message.Message) error

func (f senderFunc) Send(ctx context.Context, m *message.Message) error { return f(ctx, m) }

func TestHandler_Process(t *testing.T) {
	messages := fakeMessages{
		1: {ID: 1, Email: "a@example.com", Body: "hello"},
		2: {ID: 2, Email: "not-an-email", Body: "hello"},
		3: {ID: 3, Email: "a@example.com"},
	}
	sendErr := errors.New("smtp down")

	cases := []struct {
		name      string
		id        int64
		sender    senderFunc
		wantErr   error
		permanent bool
	}{
		{"delivered", 1, func(ctx context.Context, m *message.Message) error { return nil }, nil, false},
		{"send failure is retried", 1, func(ctx context.Context, m *message.Message) error { return sendErr }, sendErr, false},
		{"missing record is retried", 9, nil, message.ErrNotFound, false},
		{"invalid email", 2, nil, nil, true},
		{"empty body", 3, nil, nil, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := Handler{Messages: messages, Sender: c.sender}
			err := h.Process(context.Background(), queue.JobFrom(EmailJob{MessageID: c.id}))
			switch {
			case c.permanent:
				assert.True(t, queue.IsPermanent(err))
			case c.wantErr != nil:
				assert.ErrorIs(t, err, c.wantErr)
				assert.False(t, queue.IsPermanent(err))
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestHandler_Listen(t *testing.T) {
	assert.Equal(t, queue.JobFrom(EmailJob{}).Type(), Handler{}.Listen().Type())
}

func TestLogSender_faultInjection(t *testing.T) {
	m := &message.Message{ID: 1, Email: "a@example.com", Body: "hi"}
	run := func(seed int64) []bool {
		s := NewLogSender(Config{FailureRate: 0.5, Seed: seed}, nil)
		var outcomes []bool
		for i := 0; i < 50; i++ {
			outcomes = append(outcomes, s.Send(context.Background(), m) == nil)
		}
		return outcomes
	}
	a, b := run(1), run(1)
	assert.Equal(t, a, b, "same seed, same faults")
	assert.Contains(t, a, true)
	assert.Contains(t, a, false)

	always := NewLogSender(Config{FailureRate: 1}, nil)
	assert.ErrorIs(t, always.Send(context.Background(), m), ErrDeliveryFailed)
	never := NewLogSender(Config{FailureRate: 0}, nil)
	assert.NoError(t, never.Send(context.Background(), m))
}

func TestLogSender_respectsContext(t *testing.T) {
	s := NewLogSender(Config{MinDelayMillisecond: 5000, MaxDelayMillisecond: 5000}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, &message.Message{Email: "a@example.com", Body: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// The handler works end to end on the in-process queue with a failing sender.
func TestHandler_withQueue(t *testing.T) {
	attempts := 0
	h := Handler{
		Messages: fakeMessages{1: {ID: 1, Email: "a@example.com", Body: "hello"}},
		Sender: senderFunc(func(ctx context.Context, m *message.Message) error {
			attempts++
			if attempts < 2 {
				return ErrDeliveryFailed
			}
			return nil
		}),
	}
	driver := queue.NewInProcessDriver()
	q := queue.NewQueue(driver,
		queue.UseParallelism(1),
		queue.UsePollInterval(5*time.Millisecond),
		queue.UseRetryPolicy(queue.NewExponentialBackoff(10*time.Millisecond)),
	)
	q.Subscribe(h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx)

	id, err := q.Dispatch(ctx, queue.Adjust(queue.JobFrom(EmailJob{MessageID: 1}), queue.MaxAttempts(5)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := driver.Get(ctx, id)
		return err == nil && job.State == queue.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
	job, _ := driver.Get(ctx, id)
	assert.Equal(t, 2, job.Attempts)
}
