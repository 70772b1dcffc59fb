package buildserver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	beats []dist.ServerHeartbeat
	err   error
}

func (r *recordingSender) Heartbeat(ctx context.Context, hb dist.ServerHeartbeat) (dist.HeartbeatResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats = append(r.beats, hb)
	if r.err != nil {
		return dist.HeartbeatResult{}, r.err
	}
	return dist.HeartbeatResult{IsNew: len(r.beats) == 1}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.beats)
}

func newTestHeartbeater(t *testing.T, sender HeartbeatSender, interval time.Duration) *Heartbeater {
	t.Helper()
	h, err := NewHeartbeater(&HeartbeaterConfig{
		Logger:   slog.New(slog.DiscardHandler),
		Sender:   sender,
		ServerID: "s1",
		Addr:     "http://127.0.0.1:10501",
		NumCPUs:  4,
		Interval: interval,
	})
	require.NoError(t, err)
	return h
}

func TestHeartbeater_NonceIsPerIncarnation(t *testing.T) {
	a := newTestHeartbeater(t, &recordingSender{}, time.Second)
	b := newTestHeartbeater(t, &recordingSender{}, time.Second)
	assert.NotEmpty(t, a.Nonce())
	assert.NotEqual(t, a.Nonce(), b.Nonce())
}

func TestHeartbeater_Beat(t *testing.T) {
	sender := &recordingSender{}
	h := newTestHeartbeater(t, sender, time.Second)

	require.NoError(t, h.Beat(context.Background()))
	require.Len(t, sender.beats, 1)
	hb := sender.beats[0]
	assert.Equal(t, dist.ServerID("s1"), hb.ServerID)
	assert.Equal(t, h.Nonce(), hb.Nonce)
	assert.Equal(t, 4, hb.NumCPUs)

	sender.err = dist.ErrUnreachable
	assert.ErrorIs(t, h.Beat(context.Background()), dist.ErrUnreachable)
}

func TestHeartbeater_RunKeepsBeatingThroughFailures(t *testing.T) {
	sender := &recordingSender{err: errors.New("scheduler down")}
	h := newTestHeartbeater(t, sender, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return sender.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
