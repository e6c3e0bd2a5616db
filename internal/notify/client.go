package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Frame types sent in reply to client commands.
const (
	FrameSubscribed   = "SUBSCRIBED"
	FrameUnsubscribed = "UNSUBSCRIBED"
	FrameError        = "ERROR"
)

var errUnknownItem = errors.New("payload must carry auctionId or raffleId")

// Client is one live WebSocket connection of an authenticated user.
type Client struct {
	ID     string
	UserID int64

	conn *websocket.Conn
	send chan []byte

	// channels is guarded by the hub's mutex.
	channels map[string]struct{}
}

func NewClient(userID int64, conn *websocket.Conn) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
}

type clientMessage struct {
	Type    string `json:"type"`
	Payload struct {
		AuctionID int64 `json:"auctionId"`
		RaffleID  int64 `json:"raffleId"`
	} `json:"payload"`
}

func (m clientMessage) item() (domain.ItemKind, int64, error) {
	switch {
	case m.Payload.AuctionID > 0 && m.Payload.RaffleID == 0:
		return domain.KindAuction, m.Payload.AuctionID, nil
	case m.Payload.RaffleID > 0 && m.Payload.AuctionID == 0:
		return domain.KindRaffle, m.Payload.RaffleID, nil
	default:
		return "", 0, errUnknownItem
	}
}

// writePump moves frames from the send buffer to the connection and keeps it
// alive with pings. It owns all writes to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles subscribe/unsubscribe commands until the connection drops,
// then unregisters the client.
func (c *Client) readPump(ctx context.Context, hub *Hub, logger *zap.Logger) {
	defer hub.Unregister(context.WithoutCancel(ctx), c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			hub.reply(c, FrameError, map[string]string{"message": "malformed message"})
			continue
		}
		kind, id, err := msg.item()
		if err != nil && (msg.Type == "subscribe" || msg.Type == "unsubscribe") {
			hub.reply(c, FrameError, map[string]string{"message": err.Error()})
			continue
		}

		switch msg.Type {
		case "subscribe":
			if err := hub.Watch(ctx, c, kind, id); err != nil {
				logger.Warn("timer subscription failed", zap.String("client_id", c.ID), zap.Error(err))
				hub.reply(c, FrameError, map[string]string{"message": "subscription failed"})
				continue
			}
			hub.reply(c, FrameSubscribed, map[string]string{"channel": domain.TimerChannel(kind, id)})
		case "unsubscribe":
			hub.Unwatch(ctx, c, kind, id)
			hub.reply(c, FrameUnsubscribed, map[string]string{"channel": domain.TimerChannel(kind, id)})
		default:
			hub.reply(c, FrameError, map[string]string{"message": "unknown message type"})
		}
	}
}
