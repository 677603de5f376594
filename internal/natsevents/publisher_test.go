package natsevents

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/go-kit/kit/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_Observe(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("set env NATS_URL to run nats tests")
	}
	publisher, err := Connect(url, log.NewNopLogger())
	require.NoError(t, err)
	defer publisher.Close()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(SubjectPrefix+">", ch)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	publisher.Observe(context.Background(), queue.Event{
		Kind:  queue.EventFailed,
		Job:   queue.PersistedJob{ID: "job-1", Key: "email", State: queue.StatePending, Attempts: 1, MaxAttempts: 5},
		Err:   errors.New("smtp down"),
		Delay: 2 * time.Second,
		At:    time.Now(),
	})

	select {
	case msg := <-ch:
		assert.Equal(t, "notify.events.failed", msg.Subject)
		var body Message
		require.NoError(t, json.Unmarshal(msg.Data, &body))
		assert.Equal(t, "job-1", body.JobID)
		assert.Equal(t, "smtp down", body.Error)
		assert.Equal(t, "2s", body.RetryDelay)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}
