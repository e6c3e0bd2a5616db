package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
)

const auctionColumns = `id, seller_id, status, start_date, end_date, starting_price, current_bid, total_bids, updated_at`

func scanAuction(row pgx.Row) (*domain.AuctionItem, error) {
	var a domain.AuctionItem
	if err := row.Scan(
		&a.ID,
		&a.SellerID,
		&a.Status,
		&a.StartDate,
		&a.EndDate,
		&a.StartingPrice,
		&a.CurrentBid,
		&a.TotalBids,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

const raffleColumns = `id, status, start_date, end_date, ticket_price, ticket_quantity, sold_ticket, updated_at`

func scanRaffle(row pgx.Row) (*domain.RaffleItem, error) {
	var r domain.RaffleItem
	if err := row.Scan(
		&r.ID,
		&r.Status,
		&r.StartDate,
		&r.EndDate,
		&r.TicketPrice,
		&r.TicketQuantity,
		&r.SoldTicket,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func lockAuction(ctx context.Context, tx pgx.Tx, auctionID int64) (*domain.AuctionItem, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1 FOR UPDATE`
	auction, err := scanAuction(tx.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAuctionNotFound
		}
		return nil, translateError("lock auction", err)
	}
	return auction, nil
}

func lockRaffle(ctx context.Context, tx pgx.Tx, raffleID int64) (*domain.RaffleItem, error) {
	query := `SELECT ` + raffleColumns + ` FROM raffles WHERE id = $1 FOR UPDATE`
	raffle, err := scanRaffle(tx.QueryRow(ctx, query, raffleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRaffleNotFound
		}
		return nil, translateError("lock raffle", err)
	}
	return raffle, nil
}

// SettleBid serializes on the auction row, re-verifies the payment session, applies
// the bid rules and writes the bid, the session completion and the auction counters
// in one transaction. Nothing is written unless every check passes.
func (r *PostgresRepository) SettleBid(ctx context.Context, params SettleBidParams) (*BidSettlement, error) {
	tx, err := r.beginLocked(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	auction, err := lockAuction(ctx, tx, params.AuctionID)
	if err != nil {
		return nil, err
	}

	session, err := lockPaymentSession(ctx, tx, params.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckPaymentSession(session, params.UserID, params.BidAmount); err != nil {
		return nil, err
	}
	if err := domain.ValidateBid(*auction, params.BidAmount, params.Now); err != nil {
		return nil, err
	}

	bid := domain.Bid{
		AuctionID:       params.AuctionID,
		UserID:          params.UserID,
		BidAmount:       params.BidAmount,
		PaymentIntentID: params.PaymentIntentID,
	}
	insertBid := `
		INSERT INTO bids (auction_id, user_id, bid_amount, payment_intent_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	if err := tx.QueryRow(ctx, insertBid, bid.AuctionID, bid.UserID, bid.BidAmount, bid.PaymentIntentID).Scan(&bid.ID, &bid.CreatedAt); err != nil {
		if isUniqueViolation(err, "bids_payment_intent_id_key") {
			return nil, fmt.Errorf("%w: bid already recorded", domain.ErrDuplicateJob)
		}
		return nil, translateError("insert bid", err)
	}

	if err := completePaymentSession(ctx, tx, params.PaymentIntentID); err != nil {
		return nil, err
	}

	updateAuction := `
		UPDATE auctions
		SET current_bid = $2, total_bids = total_bids + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + auctionColumns
	updated, err := scanAuction(tx.QueryRow(ctx, updateAuction, params.AuctionID, params.BidAmount))
	if err != nil {
		return nil, translateError("update auction", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translateError("commit bid settlement", err)
	}
	return &BidSettlement{Bid: bid, Auction: *updated}, nil
}

// SettleTicketPurchase is the raffle counterpart of SettleBid. The capacity check
// runs against the locked row so soldTicket can never exceed ticketQuantity.
func (r *PostgresRepository) SettleTicketPurchase(ctx context.Context, params SettleTicketParams) (*TicketSettlement, error) {
	tx, err := r.beginLocked(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	raffle, err := lockRaffle(ctx, tx, params.RaffleID)
	if err != nil {
		return nil, err
	}

	session, err := lockPaymentSession(ctx, tx, params.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	expected, _ := domain.TicketTotal(raffle.TicketPrice, params.TicketQuantity).Float64()
	if err := domain.CheckPaymentSession(session, params.UserID, expected); err != nil {
		return nil, err
	}
	if err := domain.ValidateTicketPurchase(*raffle, params.TicketQuantity, params.Now); err != nil {
		return nil, err
	}

	sale := domain.TicketSale{
		RaffleID:        params.RaffleID,
		UserID:          params.UserID,
		TicketQty:       params.TicketQuantity,
		PaymentIntentID: params.PaymentIntentID,
	}
	insertSale := `
		INSERT INTO ticket_sales (raffle_id, user_id, ticket_qty, payment_intent_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	if err := tx.QueryRow(ctx, insertSale, sale.RaffleID, sale.UserID, sale.TicketQty, sale.PaymentIntentID).Scan(&sale.ID, &sale.CreatedAt); err != nil {
		if isUniqueViolation(err, "ticket_sales_payment_intent_id_key") {
			return nil, fmt.Errorf("%w: ticket sale already recorded", domain.ErrDuplicateJob)
		}
		return nil, translateError("insert ticket sale", err)
	}

	if err := completePaymentSession(ctx, tx, params.PaymentIntentID); err != nil {
		return nil, err
	}

	updateRaffle := `
		UPDATE raffles
		SET sold_ticket = sold_ticket + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + raffleColumns
	updated, err := scanRaffle(tx.QueryRow(ctx, updateRaffle, params.RaffleID, params.TicketQuantity))
	if err != nil {
		return nil, translateError("update raffle", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translateError("commit ticket settlement", err)
	}
	return &TicketSettlement{Sale: sale, Raffle: *updated}, nil
}
