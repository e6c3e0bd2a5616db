/**
 * @description
 * HTTP handlers for the settlement API. Intake handlers validate the caller
 * and hand the work to the queue, answering 202 with the job id; the outcome
 * reaches the user over the WebSocket and the notification inbox.
 *
 * @dependencies
 * - internal/app: intake, scheduling and refund services.
 * - internal/store: notification inbox and sentinel errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/programming-warrior/vehiclevista-sub000/internal/app"
	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/internal/store"
	"go.uber.org/zap"
)

// SettlementIntake accepts bids and ticket purchases.
type SettlementIntake interface {
	SubmitBid(ctx context.Context, actor app.Actor, req app.BidRequest) (domain.JobEnvelope, error)
	SubmitTicketPurchase(ctx context.Context, actor app.Actor, req app.TicketRequest) (domain.JobEnvelope, error)
}

// ItemFinder loads items for the internal schedule endpoints.
type ItemFinder interface {
	FindAuction(ctx context.Context, auctionID int64) (*domain.AuctionItem, error)
	FindRaffle(ctx context.Context, raffleID int64) (*domain.RaffleItem, error)
}

// ItemScheduler registers the start of a newly created item.
type ItemScheduler interface {
	ScheduleAuction(ctx context.Context, auction domain.AuctionItem) error
	ScheduleRaffle(ctx context.Context, raffle domain.RaffleItem) error
}

// Handlers holds the services the HTTP layer calls into.
type Handlers struct {
	intake        SettlementIntake
	items         ItemFinder
	scheduler     ItemScheduler
	inbox         store.NotificationRepository
	refunds       RefundUpdater
	webhookSecret string
	logger        *zap.Logger
}

// Dependencies wires Handlers.
type Dependencies struct {
	Intake        SettlementIntake
	Items         ItemFinder
	Scheduler     ItemScheduler
	Inbox         store.NotificationRepository
	Refunds       RefundUpdater
	WebhookSecret string
	Logger        *zap.Logger
}

func NewHandlers(deps Dependencies) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		intake:        deps.Intake,
		items:         deps.Items,
		scheduler:     deps.Scheduler,
		inbox:         deps.Inbox,
		refunds:       deps.Refunds,
		webhookSecret: deps.WebhookSecret,
		logger:        logger,
	}
}

type bidBody struct {
	BidAmount       float64 `json:"bidAmount"`
	PaymentIntentID string  `json:"paymentIntentId"`
}

type ticketBody struct {
	TicketQuantity  int    `json:"ticketQuantity"`
	PaymentIntentID string `json:"paymentIntentId"`
}

type queuedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
}

// PlaceBidHandler queues a bid on an auction.
func (h *Handlers) PlaceBidHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	auctionID, err := pathID(r, "auctionID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid auction id")
		return
	}

	var body bidBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Warn("bid rejected", zap.String("reason", "invalid_json"), zap.Int64("user_id", actor.UserID), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	env, err := h.intake.SubmitBid(r.Context(), actor, app.BidRequest{
		AuctionID:       auctionID,
		BidAmount:       body.BidAmount,
		PaymentIntentID: body.PaymentIntentID,
	})
	if err != nil {
		h.writeIntakeError(w, "place_bid", actor, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", JobID: env.ID})
}

// PurchaseTicketHandler queues a raffle ticket purchase.
func (h *Handlers) PurchaseTicketHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	raffleID, err := pathID(r, "raffleID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid raffle id")
		return
	}

	var body ticketBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Warn("ticket purchase rejected", zap.String("reason", "invalid_json"), zap.Int64("user_id", actor.UserID), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	env, err := h.intake.SubmitTicketPurchase(r.Context(), actor, app.TicketRequest{
		RaffleID:        raffleID,
		TicketQuantity:  body.TicketQuantity,
		PaymentIntentID: body.PaymentIntentID,
	})
	if err != nil {
		h.writeIntakeError(w, "purchase_ticket", actor, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", JobID: env.ID})
}

func (h *Handlers) writeIntakeError(w http.ResponseWriter, endpoint string, actor app.Actor, err error) {
	var limited *app.RateLimitError
	var transient *domain.TransientError

	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many requests")
	case errors.Is(err, app.ErrCardNotVerified):
		writeError(w, http.StatusForbidden, "Card verification required")
	case errors.Is(err, app.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrPaymentSessionNotFound):
		writeError(w, http.StatusNotFound, "Payment session not found")
	case errors.Is(err, domain.ErrPaymentOwnerMismatch):
		writeError(w, http.StatusForbidden, "Payment belongs to another user")
	case errors.Is(err, app.ErrPaymentAlreadyUsed):
		writeError(w, http.StatusConflict, "Payment has already been used")
	case errors.Is(err, domain.ErrPaymentNotCaptured):
		writeError(w, http.StatusPaymentRequired, "Payment not confirmed")
	case errors.Is(err, app.ErrPaymentSessionStale),
		errors.Is(err, domain.ErrPaymentAmountMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &transient):
		h.logger.Error("intake dependency unavailable", zap.String("endpoint", endpoint), zap.Int64("user_id", actor.UserID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	default:
		h.logger.Error("intake failed", zap.String("endpoint", endpoint), zap.Int64("user_id", actor.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.logger.Info("intake rejected", zap.String("endpoint", endpoint), zap.Int64("user_id", actor.UserID), zap.String("reason", err.Error()))
}

type notificationListResponse struct {
	Items       []domain.Notification `json:"items"`
	UnreadCount int                   `json:"unreadCount"`
}

// ListNotificationsHandler pages the caller's inbox.
func (h *Handlers) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 50)
	if err != nil || limit > 200 {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	unreadOnly := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("status")), "unread")

	items, err := h.inbox.ListNotifications(r.Context(), actor.UserID, domain.NotificationListOptions{
		Limit:      limit,
		Offset:     offset,
		UnreadOnly: unreadOnly,
	})
	if err != nil {
		h.logger.Error("list notifications failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Unable to load notifications")
		return
	}
	unread, err := h.inbox.CountUnreadNotifications(r.Context(), actor.UserID)
	if err != nil {
		h.logger.Error("count unread notifications failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Unable to load notifications")
		return
	}
	if items == nil {
		items = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, notificationListResponse{Items: items, UnreadCount: unread})
}

// MarkNotificationReadHandler marks one inbox entry as read.
func (h *Handlers) MarkNotificationReadHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid notification id")
		return
	}

	if err := h.inbox.MarkNotificationRead(r.Context(), actor.UserID, id); err != nil {
		if errors.Is(err, store.ErrNotificationNotFound) {
			writeError(w, http.StatusNotFound, "Notification not found")
			return
		}
		h.logger.Error("mark notification read failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Unable to update notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllNotificationsReadHandler marks the whole inbox as read.
func (h *Handlers) MarkAllNotificationsReadHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	updated, err := h.inbox.MarkAllNotificationsRead(r.Context(), actor.UserID)
	if err != nil {
		h.logger.Error("mark all notifications read failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Unable to update notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// ScheduleAuctionHandler is called by the listing service after an auction is
// created.
func (h *Handlers) ScheduleAuctionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid auction id")
		return
	}
	auction, err := h.items.FindAuction(r.Context(), id)
	if err != nil {
		h.writeScheduleError(w, domain.KindAuction, id, err)
		return
	}
	if err := h.scheduler.ScheduleAuction(r.Context(), *auction); err != nil {
		h.writeScheduleError(w, domain.KindAuction, id, err)
		return
	}
	h.logger.Info("item scheduled", zap.String("item_kind", string(domain.KindAuction)), zap.Int64("item_id", id), zap.Time("start_date", auction.StartDate))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// ScheduleRaffleHandler is ScheduleAuctionHandler for raffles.
func (h *Handlers) ScheduleRaffleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid raffle id")
		return
	}
	raffle, err := h.items.FindRaffle(r.Context(), id)
	if err != nil {
		h.writeScheduleError(w, domain.KindRaffle, id, err)
		return
	}
	if err := h.scheduler.ScheduleRaffle(r.Context(), *raffle); err != nil {
		h.writeScheduleError(w, domain.KindRaffle, id, err)
		return
	}
	h.logger.Info("item scheduled", zap.String("item_kind", string(domain.KindRaffle)), zap.Int64("item_id", id), zap.Time("start_date", raffle.StartDate))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (h *Handlers) writeScheduleError(w http.ResponseWriter, kind domain.ItemKind, id int64, err error) {
	switch {
	case errors.Is(err, domain.ErrAuctionNotFound), errors.Is(err, domain.ErrRaffleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("schedule item failed", zap.String("item_kind", string(kind)), zap.Int64("item_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Unable to schedule item")
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("must be positive")
	}
	return id, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
