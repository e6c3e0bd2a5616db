package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
)

const singleRunningRaffleIndex = "raffles_single_running_idx"

// FindAuction retrieves an auction without locking it.
func (r *PostgresRepository) FindAuction(ctx context.Context, auctionID int64) (*domain.AuctionItem, error) {
	auction, err := scanAuction(r.db.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAuctionNotFound
		}
		return nil, translateError("find auction", err)
	}
	return auction, nil
}

// FindRaffle retrieves a raffle without locking it.
func (r *PostgresRepository) FindRaffle(ctx context.Context, raffleID int64) (*domain.RaffleItem, error) {
	raffle, err := scanRaffle(r.db.QueryRow(ctx, `SELECT `+raffleColumns+` FROM raffles WHERE id = $1`, raffleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRaffleNotFound
		}
		return nil, translateError("find raffle", err)
	}
	return raffle, nil
}

// FindRunningRaffle returns the single RUNNING raffle, if any.
func (r *PostgresRepository) FindRunningRaffle(ctx context.Context) (*domain.RaffleItem, error) {
	query := `SELECT ` + raffleColumns + ` FROM raffles WHERE status = $1 ORDER BY start_date ASC LIMIT 1`
	raffle, err := scanRaffle(r.db.QueryRow(ctx, query, domain.StatusRunning))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRaffleNotFound
		}
		return nil, translateError("find running raffle", err)
	}
	return raffle, nil
}

// ListAuctionsByStatus is used by restart reconciliation.
func (r *PostgresRepository) ListAuctionsByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.AuctionItem, error) {
	rows, err := r.db.Query(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, translateError("list auctions", err)
	}
	defer rows.Close()

	var auctions []domain.AuctionItem
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, translateError("scan auction", err)
		}
		auctions = append(auctions, *auction)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("iterate auctions", err)
	}
	return auctions, nil
}

// ListRafflesByStatus is used by restart reconciliation.
func (r *PostgresRepository) ListRafflesByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.RaffleItem, error) {
	rows, err := r.db.Query(ctx, `SELECT `+raffleColumns+` FROM raffles WHERE status = $1 ORDER BY start_date, id`, status)
	if err != nil {
		return nil, translateError("list raffles", err)
	}
	defer rows.Close()

	var raffles []domain.RaffleItem
	for rows.Next() {
		raffle, err := scanRaffle(rows)
		if err != nil {
			return nil, translateError("scan raffle", err)
		}
		raffles = append(raffles, *raffle)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("iterate raffles", err)
	}
	return raffles, nil
}

// StartAuction moves an UPCOMING auction to RUNNING. It reports false without
// writing when the auction is already RUNNING or ENDED.
func (r *PostgresRepository) StartAuction(ctx context.Context, auctionID int64, now time.Time) (*domain.AuctionItem, bool, error) {
	tx, err := r.beginLocked(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	auction, err := lockAuction(ctx, tx, auctionID)
	if err != nil {
		return nil, false, err
	}
	if auction.Status != domain.StatusUpcoming {
		return auction, false, nil
	}
	if now.Before(auction.StartDate) {
		return auction, false, domain.ErrNotDue
	}

	updated, err := scanAuction(tx.QueryRow(ctx,
		`UPDATE auctions SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING `+auctionColumns,
		auctionID, domain.StatusRunning,
	))
	if err != nil {
		return nil, false, translateError("start auction", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, translateError("commit auction start", err)
	}
	return updated, true, nil
}

// EndAuction closes a RUNNING auction and records its winner: the highest bid,
// ties broken by the earliest bid. Calling it on an ENDED auction is a no-op.
func (r *PostgresRepository) EndAuction(ctx context.Context, auctionID int64, now time.Time) (*AuctionEndResult, error) {
	tx, err := r.beginLocked(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	auction, err := lockAuction(ctx, tx, auctionID)
	if err != nil {
		return nil, err
	}
	switch auction.Status {
	case domain.StatusEnded:
		return &AuctionEndResult{Auction: *auction}, nil
	case domain.StatusUpcoming:
		return nil, fmt.Errorf("%w: auction %d is %s", domain.ErrInvalidTransition, auctionID, auction.Status)
	}
	if now.Before(auction.EndDate) {
		return &AuctionEndResult{Auction: *auction}, domain.ErrNotDue
	}

	var winner *domain.AuctionWinner
	var top domain.Bid
	topQuery := `
		SELECT id, user_id, bid_amount
		FROM bids
		WHERE auction_id = $1
		ORDER BY bid_amount DESC, created_at ASC, id ASC
		LIMIT 1
	`
	err = tx.QueryRow(ctx, topQuery, auctionID).Scan(&top.ID, &top.UserID, &top.BidAmount)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, translateError("select winning bid", err)
	default:
		w := domain.AuctionWinner{AuctionID: auctionID, BidID: top.ID, UserID: top.UserID, Amount: top.BidAmount}
		insertWinner := `
			INSERT INTO auction_winners (auction_id, bid_id, user_id, amount)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (auction_id) DO NOTHING
			RETURNING id, created_at
		`
		err = tx.QueryRow(ctx, insertWinner, w.AuctionID, w.BidID, w.UserID, w.Amount).Scan(&w.ID, &w.CreatedAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, translateError("insert auction winner", err)
		}
		if err == nil {
			winner = &w
		}
	}

	updated, err := scanAuction(tx.QueryRow(ctx,
		`UPDATE auctions SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING `+auctionColumns,
		auctionID, domain.StatusEnded,
	))
	if err != nil {
		return nil, translateError("end auction", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translateError("commit auction end", err)
	}
	return &AuctionEndResult{Auction: *updated, Winner: winner, Changed: true}, nil
}

// StartRaffle moves an UPCOMING raffle to RUNNING. At most one raffle may run at
// a time; the partial unique index turns a second start into ErrAnotherRaffleRunning.
func (r *PostgresRepository) StartRaffle(ctx context.Context, raffleID int64, now time.Time) (*domain.RaffleItem, bool, error) {
	tx, err := r.beginLocked(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	raffle, err := lockRaffle(ctx, tx, raffleID)
	if err != nil {
		return nil, false, err
	}
	if raffle.Status != domain.StatusUpcoming {
		return raffle, false, nil
	}
	if now.Before(raffle.StartDate) {
		return raffle, false, domain.ErrNotDue
	}

	updated, err := scanRaffle(tx.QueryRow(ctx,
		`UPDATE raffles SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING `+raffleColumns,
		raffleID, domain.StatusRunning,
	))
	if err != nil {
		if isUniqueViolation(err, singleRunningRaffleIndex) {
			return raffle, false, domain.ErrAnotherRaffleRunning
		}
		return nil, false, translateError("start raffle", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, translateError("commit raffle start", err)
	}
	return updated, true, nil
}

// EndRaffle closes a RUNNING raffle. Winner drawing happens elsewhere.
func (r *PostgresRepository) EndRaffle(ctx context.Context, raffleID int64, now time.Time) (*domain.RaffleItem, bool, error) {
	tx, err := r.beginLocked(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	raffle, err := lockRaffle(ctx, tx, raffleID)
	if err != nil {
		return nil, false, err
	}
	switch raffle.Status {
	case domain.StatusEnded:
		return raffle, false, nil
	case domain.StatusUpcoming:
		return nil, false, fmt.Errorf("%w: raffle %d is %s", domain.ErrInvalidTransition, raffleID, raffle.Status)
	}
	if now.Before(raffle.EndDate) {
		return raffle, false, domain.ErrNotDue
	}

	updated, err := scanRaffle(tx.QueryRow(ctx,
		`UPDATE raffles SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING `+raffleColumns,
		raffleID, domain.StatusEnded,
	))
	if err != nil {
		return nil, false, translateError("end raffle", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, translateError("commit raffle end", err)
	}
	return updated, true, nil
}
