package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kehai/internal/storage"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type note struct {
	channel, payload string
	err              error
}

// fakeNotifier replays queued notifications, then blocks until ctx ends.
type fakeNotifier struct {
	mu        sync.Mutex
	listenErr int // number of Listen calls to fail
	listens   int
	notes     chan note
}

func (f *fakeNotifier) Listen(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens++
	if channel != storage.ChannelPerception {
		return errors.New("unexpected channel " + channel)
	}
	if f.listenErr > 0 {
		f.listenErr--
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case n := <-f.notes:
		return n.channel, n.payload, n.err
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

type recordingDispatcher struct {
	mu       sync.Mutex
	payloads []string
}

func (d *recordingDispatcher) DispatchJSON(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, string(payload))
	if string(payload) == "bad" {
		return errors.New("malformed")
	}
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

func TestBrokerForwardsPerceptionPayloads(t *testing.T) {
	notifier := &fakeNotifier{notes: make(chan note, 8)}
	disp := &recordingDispatcher{}
	broker := NewBroker(notifier, disp, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Start(ctx)
		close(done)
	}()

	notifier.notes <- note{channel: storage.ChannelPerception, payload: `{"id":"a"}`}
	notifier.notes <- note{channel: "other", payload: `ignored`}
	notifier.notes <- note{err: errors.New("conn reset")}
	notifier.notes <- note{channel: storage.ChannelPerception, payload: "bad"}
	notifier.notes <- note{channel: storage.ChannelPerception, payload: `{"id":"b"}`}

	require.Eventually(t, func() bool { return disp.count() == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, broker.Running())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not stop")
	}
	assert.False(t, broker.Running())
	assert.Equal(t, []string{`{"id":"a"}`, "bad", `{"id":"b"}`}, disp.payloads)
}

func TestBrokerRetriesListen(t *testing.T) {
	notifier := &fakeNotifier{listenErr: 2, notes: make(chan note, 1)}
	disp := &recordingDispatcher{}
	broker := NewBroker(notifier, disp, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Start(ctx)

	require.Eventually(t, broker.Running, 3*time.Second, 10*time.Millisecond)
	notifier.mu.Lock()
	assert.Equal(t, 3, notifier.listens)
	notifier.mu.Unlock()
}
