package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/shellport/shellport/internal/logutil"
	"github.com/shellport/shellport/internal/metrics"
	"github.com/shellport/shellport/internal/progress"
	"github.com/shellport/shellport/internal/pubsub"
)

// inputRateLimit is the number of input frames per second accepted from one
// WebSocket connection. Frames beyond it are dropped.
const inputRateLimit = 200

// inputRateBurst lets a paste through before limiting starts.
const inputRateBurst = 200

const (
	wsReadLimit          = 1024 * 1024
	wsOutboxSize         = 256
	wsWriteTimeout       = 10 * time.Second
	transferStatusPrefix = "/app/transfer-status/"
)

// Client frame types.
const (
	frameSubscribe   = "SUBSCRIBE"
	frameUnsubscribe = "UNSUBSCRIBE"
	frameSend        = "SEND"
)

// Server frame types.
const (
	frameConnected = "CONNECTED"
	frameMessage   = "MESSAGE"
	frameError     = "ERROR"
)

type clientFrame struct {
	Type        string          `json:"type"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

type serverFrame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Body    any    `json:"body,omitempty"`
	Message string `json:"message,omitempty"`
}

type connectBody struct {
	ProfileID json.RawMessage `json:"profileId"`
	SessionID string          `json:"sessionId"`
}

type inputBody struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type resizeBody struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type sessionBody struct {
	SessionID string `json:"sessionId"`
}

// tokenBucket is a per-connection rate limiter for input frames. It is only
// touched by the connection's read loop.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(maxTokens),
		maxTokens:  float64(maxTokens),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
	}
}

// allow consumes a token if one is available.
func (tb *tokenBucket) allow(now time.Time) bool {
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	tb.lastRefill = now
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// wsConn is one client of the push gateway.
type wsConn struct {
	s      *Server
	id     string
	conn   *websocket.Conn
	out    chan serverFrame
	bucket *tokenBucket

	mu   sync.Mutex
	subs map[string]*pubsub.Subscription

	forwarders sync.WaitGroup
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	c := &wsConn{
		s:      s,
		id:     uuid.NewString(),
		conn:   conn,
		out:    make(chan serverFrame, wsOutboxSize),
		bucket: newTokenBucket(inputRateBurst, inputRateLimit),
		subs:   make(map[string]*pubsub.Subscription),
	}
	metrics.AddWSConnections(1)
	defer metrics.AddWSConnections(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	logger := s.logger.With("ws_id", c.id)
	logger.Info("websocket connected", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		c.writeLoop(ctx)
	}()

	c.send(ctx, serverFrame{Type: frameConnected, Body: map[string]string{"connectionId": c.id}})
	err = c.readLoop(ctx)

	cancel()
	c.closeAll()
	c.forwarders.Wait()
	<-writerDone

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
		logger.Info("websocket closed")
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	logger.Warn("websocket closed with error", "error", err)
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, c.conn, f)
			cancel()
			if err != nil {
				c.s.logger.Debug("websocket write failed", "ws_id", c.id, "error", err)
				return
			}
		}
	}
}

// send queues f for the writer, giving up when the connection ends.
func (c *wsConn) send(ctx context.Context, f serverFrame) {
	select {
	case c.out <- f:
	case <-ctx.Done():
	}
}

func (c *wsConn) sendError(ctx context.Context, msg string) {
	c.send(ctx, serverFrame{Type: frameError, Message: msg})
}

func (c *wsConn) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError(ctx, "Malformed frame")
			continue
		}
		c.dispatch(ctx, f)
	}
}

func (c *wsConn) dispatch(ctx context.Context, f clientFrame) {
	switch f.Type {
	case frameSubscribe:
		if f.Topic == "" {
			c.sendError(ctx, "topic required")
			return
		}
		c.subscribe(ctx, f.Topic)
	case frameUnsubscribe:
		c.unsubscribe(f.Topic)
	case frameSend:
		c.route(ctx, f.Destination, f.Body)
	default:
		c.sendError(ctx, "Unknown frame type: "+f.Type)
	}
}

func (c *wsConn) subscribe(ctx context.Context, topic string) {
	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return
	}
	sub := c.s.broker.Subscribe(topic, pubsub.DefaultBuffer)
	c.subs[topic] = sub
	c.mu.Unlock()

	c.forwarders.Add(1)
	go func() {
		defer c.forwarders.Done()
		// A progress subscriber learns the current state right away, even
		// if the transfer has not started yet. The snapshot goes out ahead
		// of anything already queued on the subscription.
		var sent *progress.TransferProgress
		if id, ok := pubsub.TransferIDFromTopic(sub.Topic()); ok {
			snap := c.s.tracker.Snapshot(id)
			sent = &snap
			c.send(ctx, serverFrame{Type: frameMessage, Topic: sub.Topic(), Body: snap})
		}
		for msg := range sub.C() {
			if sent != nil && staleProgress(*sent, msg.Payload) {
				continue
			}
			c.send(ctx, serverFrame{Type: frameMessage, Topic: msg.Topic, Body: msg.Payload})
		}
	}()
	c.s.logger.Debug("websocket subscribed", "ws_id", c.id, "topic", logutil.SanitizeForLog(topic))
}

// staleProgress reports whether a progress payload is older than the
// snapshot already sent. A non-terminal record never follows a terminal one
// taken at the same instant.
func staleProgress(sent progress.TransferProgress, payload any) bool {
	rec, ok := payload.(progress.TransferProgress)
	if !ok {
		return false
	}
	if rec.LastUpdate.Before(sent.LastUpdate) {
		return true
	}
	return sent.Status.Terminal() && !rec.Status.Terminal() && !rec.LastUpdate.After(sent.LastUpdate)
}

func (c *wsConn) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *wsConn) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*pubsub.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// route dispatches a SEND frame to the terminal relay or the tracker.
func (c *wsConn) route(ctx context.Context, dest string, body json.RawMessage) {
	logger := c.s.logger.With("ws_id", c.id, "destination", logutil.SanitizeForLog(dest))
	switch {
	case dest == "/app/connect":
		var b connectBody
		if err := json.Unmarshal(body, &b); err != nil || b.SessionID == "" {
			c.sendError(ctx, "connect requires profileId and sessionId")
			return
		}
		profileID, err := parseProfileID(b.ProfileID)
		if err != nil {
			c.sendError(ctx, "Invalid profile ID")
			return
		}
		// Dials can take the whole connect timeout; failures arrive as
		// terminal ERROR events.
		go func() {
			if err := c.s.relay.Connect(c.s.ctx, profileID, b.SessionID); err != nil {
				logger.Debug("terminal connect returned error", "error", err)
			}
		}()
	case dest == "/app/input":
		var b inputBody
		if err := json.Unmarshal(body, &b); err != nil || b.SessionID == "" {
			c.sendError(ctx, "input requires sessionId")
			return
		}
		if !c.bucket.allow(time.Now()) {
			logger.Debug("input rate limited", "session_id", logutil.SanitizeForLog(b.SessionID))
			return
		}
		if err := c.s.relay.Input(b.SessionID, []byte(b.Input)); err != nil {
			logger.Warn("terminal input failed", "error", err)
		}
	case dest == "/app/resize":
		var b resizeBody
		if err := json.Unmarshal(body, &b); err != nil || b.SessionID == "" {
			c.sendError(ctx, "resize requires sessionId, cols and rows")
			return
		}
		if err := c.s.relay.Resize(b.SessionID, b.Cols, b.Rows); err != nil {
			logger.Warn("terminal resize failed", "error", err)
		}
	case dest == "/app/disconnect":
		var b sessionBody
		if err := json.Unmarshal(body, &b); err != nil || b.SessionID == "" {
			c.sendError(ctx, "disconnect requires sessionId")
			return
		}
		c.s.relay.Disconnect(b.SessionID)
	case dest == "/app/test":
		var b sessionBody
		if err := json.Unmarshal(body, &b); err != nil || b.SessionID == "" {
			c.sendError(ctx, "test requires sessionId")
			return
		}
		c.s.relay.Test(b.SessionID)
	case strings.HasPrefix(dest, transferStatusPrefix) && len(dest) > len(transferStatusPrefix):
		c.s.tracker.Republish(strings.TrimPrefix(dest, transferStatusPrefix))
	default:
		c.sendError(ctx, "Unknown destination: "+dest)
	}
}

// parseProfileID accepts the id as a JSON number or a numeric string.
func parseProfileID(raw json.RawMessage) (uint, error) {
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return uint(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errors.New("profile id must be a number or numeric string")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || n == 0 {
		return 0, errors.New("profile id must be positive")
	}
	return uint(n), nil
}
