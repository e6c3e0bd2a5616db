/**
 * @description
 * Live notification fan-out. The hub keeps two indexes over connected clients:
 * user id -> connections, and item timer channel -> subscribed connections.
 * Settlement events are routed to the acting user; countdown ticks go to every
 * connection watching the item.
 *
 * @notes
 * - Delivery is best effort. A client whose send buffer is full is dropped and
 *   relies on the durable inbox.
 * - Timer channels are subscribed on first interest and released when the last
 *   watcher leaves.
 */

package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/pkg/pubsub"
	"go.uber.org/zap"
)

// FrameTimer is the frame type used for countdown ticks.
const FrameTimer = "TIMER"

// EventChannels are the settlement channels the hub listens to from startup.
var EventChannels = []string{
	domain.ChannelBidPlaced,
	domain.ChannelTicketPurchased,
	domain.ChannelBidPlacedError,
}

// Subscription is the pub/sub connection feeding the hub.
type Subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Listen(ctx context.Context, handle func(pubsub.Message)) error
}

// Frame is what clients receive.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hub routes pub/sub messages to live connections.
type Hub struct {
	mu       sync.RWMutex
	users    map[int64]map[*Client]struct{}
	channels map[string]map[*Client]struct{}

	// subMu orders timer subscription changes and guards subscribed. It is
	// held across the pub/sub call and always taken before mu.
	subMu      sync.Mutex
	subscribed map[string]struct{}

	sub    Subscription
	logger *zap.Logger
}

func NewHub(sub Subscription, logger *zap.Logger) *Hub {
	return &Hub{
		users:      make(map[int64]map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		subscribed: make(map[string]struct{}),
		sub:        sub,
		logger:     logger,
	}
}

// Run delivers messages from the subscription until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("notification hub listening", zap.Strings("channels", EventChannels))
	return h.sub.Listen(ctx, h.Route)
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.UserID] = set
	}
	set[c] = struct{}{}
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.Int64("user_id", c.UserID))
}

// Unregister removes a client from every index and closes its send buffer.
// It is safe to call more than once.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	h.mu.Lock()
	if !h.isRegistered(c) {
		h.mu.Unlock()
		return
	}
	delete(h.users[c.UserID], c)
	if len(h.users[c.UserID]) == 0 {
		delete(h.users, c.UserID)
	}
	channels := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		h.removeWatcher(channel, c)
		channels = append(channels, channel)
	}
	c.channels = nil
	close(c.send)
	h.mu.Unlock()

	h.release(ctx, channels)
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.Int64("user_id", c.UserID))
}

// Watch subscribes c to the countdown of an item.
func (h *Hub) Watch(ctx context.Context, c *Client, kind domain.ItemKind, id int64) error {
	channel := domain.TimerChannel(kind, id)

	h.subMu.Lock()
	defer h.subMu.Unlock()

	h.mu.Lock()
	if !h.isRegistered(c) {
		h.mu.Unlock()
		return nil
	}
	if c.channels == nil {
		c.channels = make(map[string]struct{})
	}
	if _, ok := c.channels[channel]; ok {
		h.mu.Unlock()
		return nil
	}
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[*Client]struct{})
		h.channels[channel] = set
	}
	set[c] = struct{}{}
	c.channels[channel] = struct{}{}
	h.mu.Unlock()

	if _, ok := h.subscribed[channel]; ok {
		return nil
	}
	if err := h.sub.Subscribe(ctx, channel); err != nil {
		h.mu.Lock()
		delete(c.channels, channel)
		h.removeWatcher(channel, c)
		h.mu.Unlock()
		return err
	}
	h.subscribed[channel] = struct{}{}
	return nil
}

// Unwatch removes c from an item's countdown.
func (h *Hub) Unwatch(ctx context.Context, c *Client, kind domain.ItemKind, id int64) {
	channel := domain.TimerChannel(kind, id)

	h.subMu.Lock()
	defer h.subMu.Unlock()

	h.mu.Lock()
	if _, ok := c.channels[channel]; !ok {
		h.mu.Unlock()
		return
	}
	delete(c.channels, channel)
	h.removeWatcher(channel, c)
	h.mu.Unlock()

	h.release(ctx, []string{channel})
}

// removeWatcher drops c from channel's watchers. Caller holds mu.
func (h *Hub) removeWatcher(channel string, c *Client) {
	set, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.channels, channel)
	}
}

// release unsubscribes the channels that are subscribed and have no watchers
// left. Caller holds subMu.
func (h *Hub) release(ctx context.Context, channels []string) {
	h.mu.RLock()
	idle := make([]string, 0, len(channels))
	for _, channel := range channels {
		if _, ok := h.subscribed[channel]; !ok {
			continue
		}
		if len(h.channels[channel]) == 0 {
			idle = append(idle, channel)
		}
	}
	h.mu.RUnlock()

	if len(idle) == 0 {
		return
	}
	if err := h.sub.Unsubscribe(ctx, idle...); err != nil {
		h.logger.Warn("failed to release timer channels", zap.Strings("channels", idle), zap.Error(err))
	}
	for _, channel := range idle {
		delete(h.subscribed, channel)
	}
}

// Route delivers one pub/sub message.
func (h *Hub) Route(msg pubsub.Message) {
	switch msg.Channel {
	case domain.ChannelBidPlaced, domain.ChannelTicketPurchased:
		var actor struct {
			UserID int64 `json:"userId"`
		}
		if err := json.Unmarshal(msg.Payload, &actor); err != nil || actor.UserID == 0 {
			h.logger.Warn("dropping event without user", zap.String("channel", msg.Channel))
			return
		}
		h.sendToUser(actor.UserID, msg.Channel, msg.Payload)
	case domain.ChannelBidPlacedError:
		var event struct {
			Payload struct {
				UserID int64 `json:"userId"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(msg.Payload, &event); err != nil || event.Payload.UserID == 0 {
			h.logger.Warn("dropping failure event without user", zap.String("channel", msg.Channel))
			return
		}
		h.sendToUser(event.Payload.UserID, msg.Channel, msg.Payload)
	default:
		if _, _, ok := domain.ParseTimerChannel(msg.Channel); !ok {
			h.logger.Debug("ignoring message on unknown channel", zap.String("channel", msg.Channel))
			return
		}
		h.sendToWatchers(msg.Channel, msg.Payload)
	}
}

func (h *Hub) sendToUser(userID int64, frameType string, payload []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, frameType, payload)
}

func (h *Hub) sendToWatchers(channel string, payload []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, FrameTimer, payload)
}

func (h *Hub) deliver(targets []*Client, frameType string, payload []byte) {
	if len(targets) == 0 {
		return
	}
	data, err := encodeFrame(frameType, payload)
	if err != nil {
		h.logger.Warn("failed to encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, c := range targets {
		if !h.isRegistered(c) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", zap.String("client_id", c.ID), zap.Int64("user_id", c.UserID))
		h.Unregister(context.Background(), c)
	}
}

// isRegistered reports whether c is still connected. Caller holds mu.
func (h *Hub) isRegistered(c *Client) bool {
	_, ok := h.users[c.UserID][c]
	return ok
}

// ConnectedUsers returns how many users have at least one live connection.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Watchers returns how many connections watch an item.
func (h *Hub) Watchers(kind domain.ItemKind, id int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[domain.TimerChannel(kind, id)])
}

func encodeFrame(frameType string, payload []byte) ([]byte, error) {
	raw := json.RawMessage(payload)
	if !json.Valid(raw) {
		raw = json.RawMessage("null")
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}

// reply sends a command acknowledgement to a single client.
func (h *Hub) reply(c *Client, frameType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.deliver([]*Client{c}, frameType, data)
}

// CloseAll disconnects every client. Used on shutdown since hijacked
// connections outlive the HTTP server.
func (h *Hub) CloseAll(ctx context.Context) {
	h.mu.RLock()
	var all []*Client
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(ctx, c)
	}
}
