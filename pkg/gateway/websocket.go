package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/broadcast"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/control"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	// Resync replays history, so clients may only ask now and then
	resyncRate  = rate.Limit(0.5)
	resyncBurst = 2
)

// Client messages on the subscription socket
type clientMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients and browsers on the gateway origin
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func parseChannels(raw string) []string {
	var channels []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			channels = append(channels, part)
		}
	}
	return channels
}

// subscriberConn pumps hub frames to one websocket
type subscriberConn struct {
	hub     LogHub
	sub     *broadcast.Subscriber
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  logging.Logger
}

func (g *Gateway) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	filters := parseChannels(r.URL.Query().Get("channels"))

	// Subscribe before upgrading so a bad filter is a plain HTTP error
	sub, err := g.hub.Subscribe(r.Context(), filters)
	if err != nil {
		control.WriteError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.hub.Unsubscribe(sub)
		g.logger.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	client := &subscriberConn{
		hub:     g.hub,
		sub:     sub,
		conn:    conn,
		limiter: rate.NewLimiter(resyncRate, resyncBurst),
		logger:  g.logger,
	}

	principal, _ := PrincipalFromContext(r.Context())
	g.logger.Infof("Log subscriber connected, id: %s, principal: %s, filters: %v", sub.ID, principal.Identity, filters)

	go client.writePump()
	client.readPump()

	g.logger.Infof("Log subscriber disconnected, id: %s", sub.ID)
}

// readPump handles resync requests and ends the subscription on disconnect
func (c *subscriberConn) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warnf("Unexpected websocket close, id: %s, error: %v", c.sub.ID, err)
			}
			return
		}

		switch msg.Type {
		case string(broadcast.FrameResync):
			if !c.limiter.Allow() {
				c.logger.Debugf("Resync throttled, id: %s", c.sub.ID)
				continue
			}
			if err := c.hub.Resync(context.Background(), c.sub); err != nil {
				c.logger.Warnf("Resync failed, id: %s, error: %v", c.sub.ID, err)
			}
		default:
			c.logger.Debugf("Ignoring client message, id: %s, type: %q", c.sub.ID, msg.Type)
		}
	}
}

func (c *subscriberConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	frames := c.sub.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// The hub closed the queue
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"))
				return
			}
			if missed := c.sub.TakeMissed(); missed > 0 {
				c.logger.Debugf("Subscriber fell behind, id: %s, missed: %d", c.sub.ID, missed)
				if err := c.conn.WriteJSON(broadcast.Frame{Type: broadcast.FrameResync, Missed: missed}); err != nil {
					return
				}
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
