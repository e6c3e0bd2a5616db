/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the settlement service performs. The worker, the lifecycle scheduler
 * and the intake API depend on the narrow slices below, so each can be tested with
 * a stub that only implements what it calls.
 *
 * @dependencies
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
)

// SettleBidParams describes one bid settlement attempt.
type SettleBidParams struct {
	AuctionID       int64
	UserID          int64
	BidAmount       float64
	PaymentIntentID string
	Now             time.Time
}

// BidSettlement is the committed result of SettleBid.
type BidSettlement struct {
	Bid     domain.Bid
	Auction domain.AuctionItem
}

// SettleTicketParams describes one ticket purchase settlement attempt.
type SettleTicketParams struct {
	RaffleID        int64
	UserID          int64
	TicketQuantity  int
	PaymentIntentID string
	Now             time.Time
}

// TicketSettlement is the committed result of SettleTicketPurchase.
type TicketSettlement struct {
	Sale   domain.TicketSale
	Raffle domain.RaffleItem
}

// AuctionEndResult is returned by EndAuction. Changed is false when the auction
// was already ENDED; Winner is nil when the auction closed without bids.
type AuctionEndResult struct {
	Auction domain.AuctionItem
	Winner  *domain.AuctionWinner
	Changed bool
}

// SettlementRepository holds the locked read-validate-write transactions.
type SettlementRepository interface {
	SettleBid(ctx context.Context, params SettleBidParams) (*BidSettlement, error)
	SettleTicketPurchase(ctx context.Context, params SettleTicketParams) (*TicketSettlement, error)
	FindPaymentSession(ctx context.Context, paymentIntentID string) (*domain.PaymentSession, error)
	MarkPaymentSessionSucceeded(ctx context.Context, paymentIntentID string) error
	MarkPaymentSessionFailed(ctx context.Context, paymentIntentID string, userID int64) error
}

// LifecycleRepository holds the UPCOMING -> RUNNING -> ENDED transitions.
type LifecycleRepository interface {
	FindAuction(ctx context.Context, auctionID int64) (*domain.AuctionItem, error)
	FindRaffle(ctx context.Context, raffleID int64) (*domain.RaffleItem, error)
	FindRunningRaffle(ctx context.Context) (*domain.RaffleItem, error)
	ListAuctionsByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.AuctionItem, error)
	ListRafflesByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.RaffleItem, error)
	StartAuction(ctx context.Context, auctionID int64, now time.Time) (*domain.AuctionItem, bool, error)
	EndAuction(ctx context.Context, auctionID int64, now time.Time) (*AuctionEndResult, error)
	StartRaffle(ctx context.Context, raffleID int64, now time.Time) (*domain.RaffleItem, bool, error)
	EndRaffle(ctx context.Context, raffleID int64, now time.Time) (*domain.RaffleItem, bool, error)
}

// RefundRepository tracks compensating refunds until they reach a terminal state.
type RefundRepository interface {
	CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error)
	RecordRefundIssued(ctx context.Context, refundID int64, stripeRefundID string, status domain.RefundStatus) error
	RecordRefundAttemptFailed(ctx context.Context, refundID int64, errMsg string) (*domain.Refund, error)
	UpdateRefundStatus(ctx context.Context, refundID int64, status domain.RefundStatus, errMsg *string) error
	UpdateRefundStatusByStripeID(ctx context.Context, stripeRefundID string, status domain.RefundStatus, errMsg *string) (bool, error)
	ListPendingRefunds(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Refund, error)
}

// NotificationRepository is the durable per-user inbox.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, item domain.Notification) error
	ListNotifications(ctx context.Context, userID int64, opts domain.NotificationListOptions) ([]domain.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID int64) (int, error)
	MarkNotificationRead(ctx context.Context, userID int64, notificationID uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	SettlementRepository
	LifecycleRepository
	RefundRepository
	NotificationRepository
}
