package domain

import (
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"
)

// JobType tags the variants of Job on the wire.
type JobType string

const (
	JobPlaceBid       JobType = "PlaceBid"
	JobPurchaseTicket JobType = "PurchaseTicket"
	JobStartAuction   JobType = "StartAuction"
	JobEndAuction     JobType = "EndAuction"
	JobStartRaffle    JobType = "StartRaffle"
	JobEndRaffle      JobType = "EndRaffle"
)

// Job is the closed set of settlement and lifecycle jobs. The unexported marker
// keeps the set sealed to this package.
type Job interface {
	Type() JobType
	Validate() error
	job()
}

// PlaceBid asks the worker to settle a captured bid payment.
type PlaceBid struct {
	AuctionID       int64   `json:"auctionId"`
	UserID          int64   `json:"userId"`
	BidAmount       float64 `json:"bidAmount"`
	PaymentIntentID string  `json:"paymentIntentId"`
}

// PurchaseTicket asks the worker to settle a captured ticket payment.
type PurchaseTicket struct {
	RaffleID        int64  `json:"raffleId"`
	UserID          int64  `json:"userId"`
	TicketQuantity  int    `json:"ticketQuantity"`
	PaymentIntentID string `json:"paymentIntentId"`
}

type StartAuction struct {
	AuctionID int64      `json:"auctionId"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}

type EndAuction struct {
	AuctionID int64      `json:"auctionId"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}

type StartRaffle struct {
	RaffleID int64      `json:"raffleId"`
	EndTime  *time.Time `json:"endTime,omitempty"`
}

type EndRaffle struct {
	RaffleID int64      `json:"raffleId"`
	EndTime  *time.Time `json:"endTime,omitempty"`
}

func (PlaceBid) Type() JobType       { return JobPlaceBid }
func (PurchaseTicket) Type() JobType { return JobPurchaseTicket }
func (StartAuction) Type() JobType   { return JobStartAuction }
func (EndAuction) Type() JobType     { return JobEndAuction }
func (StartRaffle) Type() JobType    { return JobStartRaffle }
func (EndRaffle) Type() JobType      { return JobEndRaffle }

func (PlaceBid) job()       {}
func (PurchaseTicket) job() {}
func (StartAuction) job()   {}
func (EndAuction) job()     {}
func (StartRaffle) job()    {}
func (EndRaffle) job()      {}

func (j PlaceBid) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.AuctionID, validation.Required, validation.Min(int64(1))),
		validation.Field(&j.UserID, validation.Required, validation.Min(int64(1))),
		validation.Field(&j.BidAmount, validation.Required, validation.Min(0.01)),
		validation.Field(&j.PaymentIntentID, validation.Required),
	)
}

func (j PurchaseTicket) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.RaffleID, validation.Required, validation.Min(int64(1))),
		validation.Field(&j.UserID, validation.Required, validation.Min(int64(1))),
		validation.Field(&j.TicketQuantity, validation.Required, validation.Min(1)),
		validation.Field(&j.PaymentIntentID, validation.Required),
	)
}

func (j StartAuction) Validate() error {
	return validation.ValidateStruct(&j, validation.Field(&j.AuctionID, validation.Required, validation.Min(int64(1))))
}

func (j EndAuction) Validate() error {
	return validation.ValidateStruct(&j, validation.Field(&j.AuctionID, validation.Required, validation.Min(int64(1))))
}

func (j StartRaffle) Validate() error {
	return validation.ValidateStruct(&j, validation.Field(&j.RaffleID, validation.Required, validation.Min(int64(1))))
}

func (j EndRaffle) Validate() error {
	return validation.ValidateStruct(&j, validation.Field(&j.RaffleID, validation.Required, validation.Min(int64(1))))
}

// IsSettlement reports whether the job moves money (bid or ticket purchase).
func IsSettlement(t JobType) bool {
	return t == JobPlaceBid || t == JobPurchaseTicket
}

// JobEnvelope is the message body carried on the queue.
type JobEnvelope struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a job for publishing.
func NewEnvelope(job Job) (JobEnvelope, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return JobEnvelope{}, fmt.Errorf("failed to marshal %s payload: %w", job.Type(), err)
	}
	return JobEnvelope{
		ID:         uuid.NewString(),
		Type:       job.Type(),
		EnqueuedAt: time.Now().UTC(),
		Payload:    payload,
	}, nil
}

// Retry returns a copy of the envelope for the next delivery attempt.
func (e JobEnvelope) Retry() JobEnvelope {
	next := e
	next.Attempt++
	next.EnqueuedAt = time.Now().UTC()
	return next
}

// Decode unmarshals the payload into its concrete Job. It fails only when the
// type is unknown or the JSON does not fit; field rules are left to Validate so
// a malformed settlement job can still be compensated.
func (e JobEnvelope) Decode() (Job, error) {
	var job Job
	switch e.Type {
	case JobPlaceBid:
		var j PlaceBid
		if err := json.Unmarshal(e.Payload, &j); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", e.Type, err)
		}
		job = j
	case JobPurchaseTicket:
		var j PurchaseTicket
		if err := json.Unmarshal(e.Payload, &j); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", e.Type, err)
		}
		job = j
	case JobStartAuction:
		var j StartAuction
		if err := json.Unmarshal(e.Payload, &j); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", e.Type, err)
		}
		job = j
	case JobEndAuction:
		var j EndAuction
		if err := json.Unmarshal(e.Payload, &j); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", e.Type, err)
		}
		job = j
	case JobStartRaffle:
		var j StartRaffle
		if err := json.Unmarshal(e.Payload, &j); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", e.Type, err)
		}
		job = j
	case JobEndRaffle:
		var j EndRaffle
		if err := json.Unmarshal(e.Payload, &j); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", e.Type, err)
		}
		job = j
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, e.Type)
	}
	return job, nil
}

// InvalidPayloadError maps a Validate failure on a settlement job to the
// validation sentinel reported to the user.
func InvalidPayloadError(job Job, err error) error {
	switch j := job.(type) {
	case PurchaseTicket:
		if j.TicketQuantity <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidTicketQuantity, err)
		}
	case PlaceBid:
		if j.BidAmount <= 0 {
			return fmt.Errorf("%w: %v", ErrBidTooLow, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidJobPayload, err)
}
