package pricefeed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/atlasalgo/portfolio-engine/internal/domain"
)

// stubBroadcaster records each broadcast and signals arrival.
type stubBroadcaster struct {
	mu     sync.Mutex
	calls  []broadcastCall
	notify chan struct{}
}

type broadcastCall struct {
	prices domain.PriceMap
	at     time.Time
	source string
}

func newStubBroadcaster() *stubBroadcaster {
	return &stubBroadcaster{notify: make(chan struct{}, 16)}
}

func (b *stubBroadcaster) BroadcastPrices(prices domain.PriceMap, at time.Time, source string) map[string][]domain.Warning {
	b.mu.Lock()
	b.calls = append(b.calls, broadcastCall{prices: prices, at: at, source: source})
	b.mu.Unlock()
	b.notify <- struct{}{}
	return nil
}

func (b *stubBroadcaster) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *stubBroadcaster) lastCall(t *testing.T) broadcastCall {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.calls)
	return b.calls[len(b.calls)-1]
}

// feedServer accepts one websocket connection, consumes the subscribe
// frame, writes each queued frame, then holds the connection open.
func feedServer(t *testing.T, frames []string) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()

		if _, _, err := conn.Read(ctx); err != nil {
			return
		}

		for _, frame := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}

		conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForBroadcast(t *testing.T, b *stubBroadcaster) {
	t.Helper()
	select {
	case <-b.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestClient_BroadcastsReceivedPrices(t *testing.T) {
	broadcaster := newStubBroadcaster()
	url := feedServer(t, []string{
		`["prices", {"timestamp": "2026-03-10T14:30:22Z", "prices": {"BTCUSDT": "40123.5", "ETHUSDT": "2500"}}]`,
	})

	client := NewClient(url, broadcaster, zerolog.Nop())
	require.NoError(t, client.Start())
	defer client.Stop()

	waitForBroadcast(t, broadcaster)

	call := broadcaster.lastCall(t)
	assert.Equal(t, "websocket", call.source)
	assert.True(t, call.at.Equal(time.Date(2026, 3, 10, 14, 30, 22, 0, time.UTC)))
	require.Len(t, call.prices, 2)
	assert.True(t, call.prices["BTCUSDT"].Equal(decimal.RequireFromString("40123.5")))
	assert.True(t, call.prices["ETHUSDT"].Equal(decimal.NewFromInt(2500)))

	price, ok := client.Price("BTCUSDT")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("40123.5")))
	assert.False(t, client.IsCacheStale())
	assert.True(t, client.IsConnected())
}

func TestClient_SkipsMalformedFrames(t *testing.T) {
	broadcaster := newStubBroadcaster()
	url := feedServer(t, []string{
		`not json`,
		`["markets", {"status": "open"}]`,
		`["prices", {"prices": {"BTCUSDT": "garbage", "ETHUSDT": "2500"}}]`,
	})

	client := NewClient(url, broadcaster, zerolog.Nop())
	require.NoError(t, client.Start())
	defer client.Stop()

	waitForBroadcast(t, broadcaster)

	// Only the frame with a parseable price reaches the broadcaster,
	// and the garbage instrument is dropped from it.
	assert.Equal(t, 1, broadcaster.callCount())
	call := broadcaster.lastCall(t)
	require.Len(t, call.prices, 1)
	assert.True(t, call.prices["ETHUSDT"].Equal(decimal.NewFromInt(2500)))
	assert.False(t, call.at.IsZero())
}

func TestClient_SnapshotIsACopy(t *testing.T) {
	broadcaster := newStubBroadcaster()
	url := feedServer(t, []string{
		`["prices", {"prices": {"BTCUSDT": "40000"}}]`,
	})

	client := NewClient(url, broadcaster, zerolog.Nop())
	require.NoError(t, client.Start())
	defer client.Stop()

	waitForBroadcast(t, broadcaster)

	snapshot := client.Snapshot()
	require.Len(t, snapshot, 1)
	snapshot["BTCUSDT"] = decimal.Zero

	price, ok := client.Price("BTCUSDT")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(40000)))
}

func TestClient_StopClosesConnection(t *testing.T) {
	broadcaster := newStubBroadcaster()
	url := feedServer(t, nil)

	client := NewClient(url, broadcaster, zerolog.Nop())
	require.NoError(t, client.Start())

	require.NoError(t, client.Stop())
	assert.False(t, client.IsConnected())

	// Stop is idempotent
	require.NoError(t, client.Stop())
}

func TestClient_StaleCacheBeforeFirstTick(t *testing.T) {
	client := NewClient("ws://unused", newStubBroadcaster(), zerolog.Nop())
	assert.True(t, client.IsCacheStale())

	_, ok := client.Price("BTCUSDT")
	assert.False(t, ok)
}

func TestCalculateBackoff(t *testing.T) {
	client := NewClient("ws://unused", newStubBroadcaster(), zerolog.Nop())

	assert.Equal(t, 5*time.Second, client.calculateBackoff(1))
	assert.Equal(t, 10*time.Second, client.calculateBackoff(2))
	assert.Equal(t, 40*time.Second, client.calculateBackoff(4))
	assert.Equal(t, 5*time.Minute, client.calculateBackoff(20))
}
