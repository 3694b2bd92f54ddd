package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/outcome-engine/internal/engine"
	"github.com/atmx/outcome-engine/internal/model"
	"github.com/atmx/outcome-engine/internal/settlement"
)

func dialHub(t *testing.T, hub *WSHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSHub_PublishesEngineEvents(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	market := model.Market{
		ID:          "m-1",
		SubjectID:   "acme",
		State:       model.StateOpen,
		Price:       model.Prices{Yes: decimal.NewFromInt(1), No: decimal.Zero},
		TotalVolume: decimal.NewFromInt(5),
	}
	hub.Publish(engine.Event{
		Type:   engine.EventTradeExecuted,
		Market: market,
		Receipt: &model.TradeReceipt{
			ID: "t-1", Outcome: model.OutcomeYes, Side: model.SideBuy,
			SharesDelta: decimal.NewFromInt(10), StakeDelta: decimal.NewFromInt(5),
		},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "trade_executed", msg.Type)
	assert.Equal(t, "m-1", msg.MarketID)
	assert.Equal(t, "1", msg.PriceYes)
	assert.Equal(t, "0", msg.PriceNo)
	assert.Equal(t, "t-1", msg.TradeID)
	assert.Equal(t, "5", msg.Stake)

	cancel()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewWSMessage_Resolution(t *testing.T) {
	sum := settlement.Summary{TotalPaid: decimal.NewFromInt(12)}
	msg := newWSMessage(engine.Event{
		Type:       engine.EventMarketResolved,
		Market:     model.Market{ID: "m-2", State: model.StateResolved, ResolvedOutcome: model.ResolutionNo},
		Settlement: &sum,
	})
	assert.Equal(t, "market_resolved", msg.Type)
	assert.Equal(t, "no", msg.Resolution)
	assert.Equal(t, "12", msg.TotalPaid)
	assert.Empty(t, msg.TradeID)
}

func TestWSHub_PublishNeverBlocks(t *testing.T) {
	hub := NewWSHub() // not running: nothing drains the buffer
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(engine.Event{Type: engine.EventMarketCreated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full buffer")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", model.ErrNotFound), http.StatusNotFound},
		{model.ErrInvalidArgument, http.StatusBadRequest},
		{model.ErrMarketClosed, http.StatusConflict},
		{model.ErrAlreadyResolved, http.StatusConflict},
		{model.ErrInsufficientShares, http.StatusUnprocessableEntity},
		{model.ErrConflict, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("pg: connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, fmt.Errorf("dial tcp 10.0.0.5:5432: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")

	w = httptest.NewRecorder()
	writeError(w, fmt.Errorf("commit: %w", model.ErrConflict))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}
