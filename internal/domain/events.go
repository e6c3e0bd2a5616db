package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Pub/sub channel names consumed by the notification fan-out.
const (
	ChannelBidPlaced       = "BID_PLACED"
	ChannelTicketPurchased = "RAFFLE_TICKET_PURCHASED"
	ChannelBidPlacedError  = "BID_PLACED_ERROR"

	auctionTimerPrefix = "AUCTION_TIMER:"
	raffleTimerPrefix  = "RAFFLE_TIMER:"
)

// Inbox notification types.
const (
	NotificationTypeBid        = "bid_placed"
	NotificationTypeTicket     = "raffle_ticket_purchased"
	NotificationTypeFailure    = "settlement_failed"
	NotificationTypeAuctionWon = "auction_won"
)

// TimerChannel returns the countdown channel for an item.
func TimerChannel(kind ItemKind, id int64) string {
	if kind == KindRaffle {
		return raffleTimerPrefix + strconv.FormatInt(id, 10)
	}
	return auctionTimerPrefix + strconv.FormatInt(id, 10)
}

// ParseTimerChannel is the inverse of TimerChannel.
func ParseTimerChannel(channel string) (ItemKind, int64, bool) {
	var kind ItemKind
	var raw string
	switch {
	case strings.HasPrefix(channel, auctionTimerPrefix):
		kind, raw = KindAuction, strings.TrimPrefix(channel, auctionTimerPrefix)
	case strings.HasPrefix(channel, raffleTimerPrefix):
		kind, raw = KindRaffle, strings.TrimPrefix(channel, raffleTimerPrefix)
	default:
		return "", 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return kind, id, true
}

// ItemKey identifies an item in the countdown registry and schedule markers.
func ItemKey(kind ItemKind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// BidPlacedEvent is published on BID_PLACED after commit.
type BidPlacedEvent struct {
	AuctionID int64     `json:"auctionId"`
	UserID    int64     `json:"userId"`
	BidID     int64     `json:"bidId"`
	BidAmount float64   `json:"bidAmount"`
	TotalBids int       `json:"totalBids"`
	CreatedAt time.Time `json:"createdAt"`
}

// TicketPurchasedEvent is published on RAFFLE_TICKET_PURCHASED after commit.
type TicketPurchasedEvent struct {
	RaffleID       int64     `json:"raffleId"`
	UserID         int64     `json:"userId"`
	TicketSaleID   int64     `json:"ticketSaleId"`
	TicketQuantity int       `json:"ticketQuantity"`
	SoldTicket     int       `json:"soldTicket"`
	CreatedAt      time.Time `json:"createdAt"`
}

// FailurePayload echoes the failed job back to the acting user.
type FailurePayload struct {
	UserID          int64    `json:"userId"`
	AuctionID       *int64   `json:"auctionId,omitempty"`
	RaffleID        *int64   `json:"raffleId,omitempty"`
	BidAmount       *float64 `json:"bidAmount,omitempty"`
	TicketQuantity  *int     `json:"ticketQuantity,omitempty"`
	PaymentIntentID string   `json:"paymentIntentId"`
}

// SettlementFailedEvent is published on BID_PLACED_ERROR.
type SettlementFailedEvent struct {
	Error   string         `json:"error"`
	Payload FailurePayload `json:"payload"`
}

// TimerTick is published on AUCTION_TIMER:<id> / RAFFLE_TIMER:<id>. Exactly one
// of AuctionID and RaffleID is set. RemainingTime is in milliseconds.
type TimerTick struct {
	AuctionID     *int64 `json:"auctionId,omitempty"`
	RaffleID      *int64 `json:"raffleId,omitempty"`
	RemainingTime int64  `json:"remainingTime"`
}

// NewTimerTick builds the tick for an item.
func NewTimerTick(kind ItemKind, id int64, remaining time.Duration) TimerTick {
	if remaining < 0 {
		remaining = 0
	}
	itemID := id
	tick := TimerTick{RemainingTime: remaining.Milliseconds()}
	if kind == KindRaffle {
		tick.RaffleID = &itemID
	} else {
		tick.AuctionID = &itemID
	}
	return tick
}

// FailurePayloadFor builds the echo payload for a failed settlement job.
func FailurePayloadFor(job Job) FailurePayload {
	switch j := job.(type) {
	case PlaceBid:
		auctionID, amount := j.AuctionID, j.BidAmount
		return FailurePayload{UserID: j.UserID, AuctionID: &auctionID, BidAmount: &amount, PaymentIntentID: j.PaymentIntentID}
	case PurchaseTicket:
		raffleID, qty := j.RaffleID, j.TicketQuantity
		return FailurePayload{UserID: j.UserID, RaffleID: &raffleID, TicketQuantity: &qty, PaymentIntentID: j.PaymentIntentID}
	default:
		return FailurePayload{}
	}
}
