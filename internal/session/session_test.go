package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/typelo/raceserver/internal/model"
)

func TestRateLimiterAllowsBurstThenThrottles(t *testing.T) {
	rl := newRateLimiter(5)
	for i := 0; i < 5; i++ {
		if !rl.allow() {
			t.Fatalf("message %d should be allowed within burst capacity", i)
		}
	}
	if rl.allow() {
		t.Fatal("6th message within the same instant should be throttled")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := newRateLimiter(2)
	if !rl.allow() || !rl.allow() {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if rl.allow() {
		t.Fatal("expected throttle once burst is spent")
	}
	time.Sleep(1100 * time.Millisecond)
	if !rl.allow() {
		t.Fatal("expected a token to be available after refill window")
	}
}

func TestMatchResultToPayloadMapsFields(t *testing.T) {
	result := model.MatchResult{
		MatchID: "m1", Mode: model.ModeRanked,
		WPM: 80.5, Accuracy: 97.2, Score: 1234.5,
		EloBefore: 1500, EloAfter: 1510, EloChange: 10,
		Outcome: model.OutcomeWin,
		Opponent: model.OpponentSummary{PlayerID: "p2", WPM: 60, Accuracy: 90, Score: 900},
		Coins:    model.CoinBreakdown{Base: 300, RankBonus: 60, LeaderboardBonus: 0, Total: 360},
	}
	payload := matchResultToPayload(result)
	if payload.MatchID != "m1" || payload.Mode != "ranked" || payload.Outcome != "win" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Coins.Total != 360 {
		t.Fatalf("Coins.Total = %d, want 360", payload.Coins.Total)
	}
	if payload.Opponent.PlayerID != "p2" {
		t.Fatalf("Opponent.PlayerID = %q, want p2", payload.Opponent.PlayerID)
	}
}

// wsTestServer upgrades every request to a raw Conn and hands it to fn,
// without going through Handler/matchqueue/match — enough to exercise
// the write pump, read loop, and rate limiting in isolation.
func wsTestServer(t *testing.T, fn func(c *Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := NewConn(ws, "p1", nil)
		fn(c)
	}))
	wsURL := "ws" + srv.URL[len("http"):]
	return srv, wsURL
}

func TestConnPingPongRoundTrip(t *testing.T) {
	srv, url := wsTestServer(t, func(c *Conn) {
		frame, ok := c.ReadFrame()
		if !ok {
			return
		}
		if frame.Type == TypePing {
			_ = c.send(outboundFrame{Type: TypePong, ServerTimeMs: 42})
		}
		time.Sleep(50 * time.Millisecond)
		c.Close()
	})
	defer srv.Close()

	dialer := websocket.DefaultDialer
	client, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteJSON(inboundFrame{Type: TypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var got outboundFrame
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if got.Type != TypePong || got.ServerTimeMs != 42 {
		t.Fatalf("unexpected pong: %+v", got)
	}
}

func TestConnOnCloseFiresOnce(t *testing.T) {
	var mu sync.Mutex
	closes := 0
	srv, url := wsTestServer(t, func(c *Conn) {
		c.OnClose(func() {
			mu.Lock()
			closes++
			mu.Unlock()
		})
		c.ReadFrame()
		c.Close()
		c.Close() // idempotent
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.Close()

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := closes
		mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected OnClose to fire exactly once")
}

func TestInboundFrameDecodesKeystroke(t *testing.T) {
	raw := []byte(`{"type":"KEYSTROKE","char":"a","timestamp":1000,"char_index":5}`)
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != TypeKeystroke || frame.Char != "a" || frame.CharIndex != 5 || frame.TimestampMs != 1000 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}
