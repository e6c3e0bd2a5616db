package domain

import (
	"fmt"
	"time"
)

// CheckPaymentSession re-verifies, inside the settlement transaction, that the
// session backing a job is captured, unsettled, owned by the acting user and
// covers exactly the expected amount. A nil session fails closed.
func CheckPaymentSession(session *PaymentSession, userID int64, expectedAmount float64) error {
	if session == nil {
		return ErrPaymentSessionNotFound
	}
	if session.Status.IsTerminal() {
		return fmt.Errorf("%w: status %s", ErrDuplicateJob, session.Status)
	}
	if session.Status != PaymentSessionSucceeded {
		return ErrPaymentNotCaptured
	}
	if session.UserID != userID {
		return ErrPaymentOwnerMismatch
	}
	if !AmountsEqual(session.Amount, expectedAmount) {
		return ErrPaymentAmountMismatch
	}
	return nil
}

// ValidateBid applies the auction rules to a locked auction row.
func ValidateBid(auction AuctionItem, bidAmount float64, now time.Time) error {
	if auction.Status != StatusRunning {
		return ErrAuctionNotRunning
	}
	if now.After(auction.EndDate) {
		return ErrAuctionClosed
	}
	amount := Money(bidAmount)
	if amount.LessThanOrEqual(Money(auction.CurrentBid)) {
		return ErrBidTooLow
	}
	if amount.LessThan(Money(auction.StartingPrice)) {
		return ErrBidTooLow
	}
	return nil
}

// ValidateTicketPurchase applies the raffle rules to a locked raffle row.
func ValidateTicketPurchase(raffle RaffleItem, quantity int, now time.Time) error {
	if raffle.Status != StatusRunning {
		return ErrRaffleNotRunning
	}
	if now.Before(raffle.StartDate) || now.After(raffle.EndDate) {
		return ErrRaffleOutsideWindow
	}
	if quantity <= 0 {
		return ErrInvalidTicketQuantity
	}
	if quantity > raffle.RemainingTickets() {
		return ErrTicketsExhausted
	}
	return nil
}
