package trade_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/berryx/market-engine/internal/events"
	"github.com/berryx/market-engine/internal/trade"
)

func TestWSHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := trade.NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	at := time.Date(2026, 5, 10, 14, 7, 0, 0, time.UTC)
	err = hub.Publish(ctx, events.Event{Type: events.TypeTradeExecuted, CharacterID: "c-luffy", Data: map[string]string{"side": "BUY"}, At: at})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg trade.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != events.TypeTradeExecuted || msg.CharacterID != "c-luffy" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if !msg.At.Equal(at) {
		t.Errorf("at = %v, want %v", msg.At, at)
	}
}

func TestWSHub_PublishNeverBlocks(t *testing.T) {
	hub := trade.NewWSHub() // not running: nothing drains the buffer

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(context.Background(), events.Event{Type: events.TypeMarketClosed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full buffer")
	}
}
