/**
 * @description
 * Core domain models for the settlement service: the auctionable and raffleable
 * listings whose mutable counters are guarded by the settlement worker, and the
 * immutable ledger records the worker writes.
 *
 * @notes
 * - Monetary values travel as float64 on the wire and in NUMERIC columns; every
 *   comparison goes through shopspring/decimal (see money.go).
 * - Ticket counts are plain integers.
 */

package domain

import "time"

// ItemStatus is the lifecycle state shared by auctions and raffles.
type ItemStatus string

const (
	StatusUpcoming ItemStatus = "UPCOMING"
	StatusRunning  ItemStatus = "RUNNING"
	StatusEnded    ItemStatus = "ENDED"
)

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Only UPCOMING -> RUNNING and RUNNING -> ENDED are legal.
func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	switch s {
	case StatusUpcoming:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusEnded
	default:
		return false
	}
}

// ItemKind distinguishes auctions from raffles in scheduler keys and channels.
type ItemKind string

const (
	KindAuction ItemKind = "auction"
	KindRaffle  ItemKind = "raffle"
)

// AuctionItem maps to the `auctions` table.
type AuctionItem struct {
	ID            int64      `json:"id"`
	SellerID      int64      `json:"sellerId"`
	Status        ItemStatus `json:"status"`
	StartDate     time.Time  `json:"startDate"`
	EndDate       time.Time  `json:"endDate"`
	StartingPrice float64    `json:"startingPrice"`
	CurrentBid    float64    `json:"currentBid"`
	TotalBids     int        `json:"totalBids"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// RaffleItem maps to the `raffles` table. SoldTicket never exceeds TicketQuantity.
type RaffleItem struct {
	ID             int64      `json:"id"`
	Status         ItemStatus `json:"status"`
	StartDate      time.Time  `json:"startDate"`
	EndDate        time.Time  `json:"endDate"`
	TicketPrice    float64    `json:"ticketPrice"`
	TicketQuantity int        `json:"ticketQuantity"`
	SoldTicket     int        `json:"soldTicket"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// RemainingTickets returns how many tickets can still be sold.
func (r RaffleItem) RemainingTickets() int {
	remaining := r.TicketQuantity - r.SoldTicket
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Bid is an accepted bid. Written only by the settlement worker.
type Bid struct {
	ID              int64     `json:"id"`
	AuctionID       int64     `json:"auctionId"`
	UserID          int64     `json:"userId"`
	BidAmount       float64   `json:"bidAmount"`
	PaymentIntentID string    `json:"paymentIntentId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// TicketSale is an accepted raffle ticket purchase.
type TicketSale struct {
	ID              int64     `json:"id"`
	RaffleID        int64     `json:"raffleId"`
	UserID          int64     `json:"userId"`
	TicketQty       int       `json:"ticketQty"`
	PaymentIntentID string    `json:"paymentIntentId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// AuctionWinner records the highest bid of an ended auction. One row per auction.
type AuctionWinner struct {
	ID        int64     `json:"id"`
	AuctionID int64     `json:"auctionId"`
	BidID     int64     `json:"bidId"`
	UserID    int64     `json:"userId"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}
