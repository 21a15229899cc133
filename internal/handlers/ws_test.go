package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/shellport/shellport/internal/progress"
	"github.com/shellport/shellport/internal/terminal"
)

type wireFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Body    json.RawMessage `json:"body"`
	Message string          `json:"message"`
}

type wsClient struct {
	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
}

func dialWS(t *testing.T, e *testEnv) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.http.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	c := &wsClient{t: t, ctx: ctx, conn: conn}
	if f := c.next(); f.Type != frameConnected {
		t.Fatalf("first frame = %+v", f)
	}
	return c
}

func (c *wsClient) write(v any) {
	c.t.Helper()
	if err := wsjson.Write(c.ctx, c.conn, v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) subscribe(topic string) {
	c.write(map[string]string{"type": "SUBSCRIBE", "topic": topic})
}

func (c *wsClient) sendTo(dest string, body any) {
	c.write(map[string]any{"type": "SEND", "destination": dest, "body": body})
}

func (c *wsClient) next() wireFrame {
	c.t.Helper()
	var f wireFrame
	if err := wsjson.Read(c.ctx, c.conn, &f); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

// nextEvent skips frames until a terminal event of type want arrives,
// returning it together with the OUTPUT data seen on the way.
func (c *wsClient) nextEvent(want terminal.EventType) (terminal.Event, string) {
	c.t.Helper()
	var out strings.Builder
	for {
		f := c.next()
		if f.Type != frameMessage {
			continue
		}
		var ev terminal.Event
		if err := json.Unmarshal(f.Body, &ev); err != nil {
			c.t.Fatalf("decode event: %v", err)
		}
		if ev.Type == terminal.EventOutput {
			out.WriteString(ev.Data)
		}
		if ev.Type == want {
			return ev, out.String()
		}
	}
}

func TestWebSocketTerminalSession(t *testing.T) {
	e := newTestEnv(t)
	c := dialWS(t, e)

	c.subscribe("/topic/terminal-s1")
	c.sendTo("/app/connect", map[string]string{"profileId": "1", "sessionId": "s1"})

	ev, _ := c.nextEvent(terminal.EventConnected)
	if ev.Message != "Connection established to test-host" {
		t.Errorf("connected message = %q", ev.Message)
	}

	c.sendTo("/app/input", map[string]string{"sessionId": "s1", "input": "ls\n"})
	var out strings.Builder
	for !strings.Contains(out.String(), "echo:ls") {
		_, data := c.nextEvent(terminal.EventOutput)
		out.WriteString(data)
	}
	if !strings.Contains(out.String(), "PTY:true") {
		t.Errorf("output = %q", out.String())
	}

	c.sendTo("/app/resize", map[string]any{"sessionId": "s1", "cols": 100, "rows": 30})
	out.Reset()
	for !strings.Contains(out.String(), "px:800x480") {
		_, data := c.nextEvent(terminal.EventOutput)
		out.WriteString(data)
	}

	c.sendTo("/app/disconnect", map[string]string{"sessionId": "s1"})
	ev, _ = c.nextEvent(terminal.EventDisconnected)
	if ev.Message != "Session ended" {
		t.Errorf("disconnected message = %q", ev.Message)
	}
	if n := e.server.relay.Count(); n != 0 {
		t.Errorf("relay sessions = %d after disconnect", n)
	}
}

func TestWebSocketTerminalConnectFailure(t *testing.T) {
	e := newTestEnv(t)
	c := dialWS(t, e)

	c.subscribe("/topic/terminal-s2")
	c.sendTo("/app/connect", map[string]any{"profileId": 42, "sessionId": "s2"})
	ev, _ := c.nextEvent(terminal.EventError)
	if !strings.HasPrefix(ev.Message, "Failed to connect: ") {
		t.Errorf("error message = %q", ev.Message)
	}
}

func TestWebSocketTestEvent(t *testing.T) {
	e := newTestEnv(t)
	c := dialWS(t, e)

	c.subscribe("/topic/terminal-abc")
	c.sendTo("/app/test", map[string]string{"sessionId": "abc"})
	ev, _ := c.nextEvent(terminal.EventTest)
	if ev.Message != "Test message received for session: abc" {
		t.Errorf("test message = %q", ev.Message)
	}
}

func TestWebSocketProgressSubscription(t *testing.T) {
	e := newTestEnv(t)
	c := dialWS(t, e)

	c.subscribe("/topic/transfer-progress/t-1")
	f := c.next()
	var rec progress.TransferProgress
	json.Unmarshal(f.Body, &rec)
	if f.Type != frameMessage || f.Topic != "/topic/transfer-progress/t-1" || rec.Status != progress.StatusStarting {
		t.Fatalf("initial snapshot = %+v %+v", f, rec)
	}

	c.sendTo("/app/transfer-status/t-1", map[string]string{})
	f = c.next()
	rec = progress.TransferProgress{}
	json.Unmarshal(f.Body, &rec)
	if rec.Status != progress.StatusFailed || rec.ErrorMessage != "Transfer not found" {
		t.Errorf("status reply = %+v", rec)
	}

	e.tracker.Start("t-1", "a.bin", progress.Upload, 100)
	f = c.next()
	rec = progress.TransferProgress{}
	json.Unmarshal(f.Body, &rec)
	if rec.Status != progress.StatusStarting || rec.FileName != "a.bin" {
		t.Errorf("start push = %+v", rec)
	}
}

func TestStaleProgress(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(s progress.Status, d time.Duration) progress.TransferProgress {
		return progress.TransferProgress{TransferID: "t", Status: s, LastUpdate: t0.Add(d)}
	}
	tests := []struct {
		name    string
		sent    progress.TransferProgress
		payload any
		want    bool
	}{
		{"older update", at(progress.StatusInProgress, time.Second), at(progress.StatusInProgress, 0), true},
		{"newer update", at(progress.StatusInProgress, 0), at(progress.StatusInProgress, time.Second), false},
		{"same record again", at(progress.StatusInProgress, 0), at(progress.StatusInProgress, 0), false},
		{"progress after cancel", at(progress.StatusCancelled, 0), at(progress.StatusInProgress, 0), true},
		{"terminal repeated", at(progress.StatusCompleted, 0), at(progress.StatusCompleted, 0), false},
		{"restart after cancel", at(progress.StatusCancelled, 0), at(progress.StatusStarting, time.Second), false},
		{"placeholder snapshot", progress.TransferProgress{Status: progress.StatusStarting}, at(progress.StatusInProgress, 0), false},
		{"other payload", at(progress.StatusCompleted, time.Second), map[string]string{"a": "b"}, false},
	}
	for _, tt := range tests {
		if got := staleProgress(tt.sent, tt.payload); got != tt.want {
			t.Errorf("%s: staleProgress = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWebSocketProgressSnapshotOfFinishedTransfer(t *testing.T) {
	e := newTestEnv(t)
	e.tracker.Start("t-2", "b.bin", progress.Download, 10)
	e.tracker.Update("t-2", 5)
	e.tracker.Cancel("t-2")

	c := dialWS(t, e)
	c.subscribe("/topic/transfer-progress/t-2")
	f := c.next()
	var rec progress.TransferProgress
	json.Unmarshal(f.Body, &rec)
	if rec.Status != progress.StatusCancelled || rec.TransferredBytes != 5 {
		t.Fatalf("snapshot = %+v", rec)
	}

	c.sendTo("/app/transfer-status/t-2", map[string]string{})
	f = c.next()
	rec = progress.TransferProgress{}
	json.Unmarshal(f.Body, &rec)
	if rec.Status != progress.StatusCancelled {
		t.Errorf("status reply = %+v", rec)
	}
}

func TestWebSocketRejectsBadFrames(t *testing.T) {
	e := newTestEnv(t)
	c := dialWS(t, e)

	if err := c.conn.Write(c.ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if f := c.next(); f.Type != frameError || f.Message != "Malformed frame" {
		t.Errorf("malformed = %+v", f)
	}

	c.write(map[string]string{"type": "BOGUS"})
	if f := c.next(); f.Type != frameError || f.Message != "Unknown frame type: BOGUS" {
		t.Errorf("unknown type = %+v", f)
	}

	c.sendTo("/app/nowhere", map[string]string{})
	if f := c.next(); f.Type != frameError || f.Message != "Unknown destination: /app/nowhere" {
		t.Errorf("unknown destination = %+v", f)
	}

	c.sendTo("/app/connect", map[string]string{"profileId": "x", "sessionId": "s"})
	if f := c.next(); f.Type != frameError || f.Message != "Invalid profile ID" {
		t.Errorf("bad profile = %+v", f)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newTestEnv(t)
	c := dialWS(t, e)

	c.subscribe("/topic/terminal-a")
	c.subscribe("/topic/terminal-b")
	c.write(map[string]string{"type": "UNSUBSCRIBE", "topic": "/topic/terminal-a"})

	c.sendTo("/app/test", map[string]string{"sessionId": "a"})
	c.sendTo("/app/test", map[string]string{"sessionId": "b"})
	if f := c.next(); f.Topic != "/topic/terminal-b" {
		t.Errorf("got frame for %q, want only terminal-b", f.Topic)
	}
}

func TestTokenBucket(t *testing.T) {
	start := time.Now()
	tb := newTokenBucket(3, 10)
	tb.lastRefill = start

	for i := 0; i < 3; i++ {
		if !tb.allow(start) {
			t.Fatalf("token %d refused", i)
		}
	}
	if tb.allow(start) {
		t.Error("bucket allowed past burst")
	}
	if !tb.allow(start.Add(100 * time.Millisecond)) {
		t.Error("bucket did not refill")
	}
	if tb.allow(start.Add(100 * time.Millisecond)) {
		t.Error("refill exceeded rate")
	}
	for i := 0; i < 3; i++ {
		tb.allow(start.Add(time.Hour))
	}
	if tb.allow(start.Add(time.Hour)) {
		t.Error("refill exceeded burst")
	}
}

func TestParseProfileID(t *testing.T) {
	tests := []struct {
		raw  string
		want uint
		ok   bool
	}{
		{`7`, 7, true},
		{`"12"`, 12, true},
		{`" 3 "`, 3, true},
		{`0`, 0, false},
		{`"0"`, 0, false},
		{`"abc"`, 0, false},
		{`-4`, 0, false},
		{`null`, 0, false},
	}
	for _, tt := range tests {
		got, err := parseProfileID(json.RawMessage(tt.raw))
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseProfileID(%s) = %d, %v", tt.raw, got, err)
		}
	}
}
