package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type LinkStatus string

const (
	StatusActive  LinkStatus = "Active"
	StatusPending LinkStatus = "Pending"
	StatusPaid    LinkStatus = "Paid"
	StatusExpired LinkStatus = "Expired"
)

var (
	ErrNotFound          = errors.New("payment link not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEventAlreadyBound = errors.New("ledger event already bound to another link")
)

// transitions lists the statuses reachable from each status.
var transitions = map[LinkStatus][]LinkStatus{
	StatusActive:  {StatusPending, StatusPaid, StatusExpired},
	StatusPending: {StatusPaid, StatusExpired},
}

// PaymentLink is a merchant's request to be paid Amount of Currency.
type PaymentLink struct {
	ID              string     `json:"id"`
	MerchantAddress string     `json:"merchant_address"`
	Amount          string     `json:"amount"`
	Currency        string     `json:"currency"`
	Description     string     `json:"description,omitempty"`
	Status          LinkStatus `json:"status"`
	MatchedEventRef string     `json:"matched_event_ref,omitempty"`
	MatchedBlock    uint64     `json:"matched_block,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsOpen reports whether the link still waits for a payment to be observed or confirmed.
func (l PaymentLink) IsOpen() bool {
	return l.Status == StatusActive || l.Status == StatusPending
}

// Transition is a requested status change. EventRef and BlockNumber bind the
// matched ledger event and are required when leaving Active for Pending or Paid.
type Transition struct {
	To          LinkStatus
	EventRef    string
	BlockNumber uint64
}

func CanTransition(from, to LinkStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply returns the link with t applied. A bound event reference is never
// replaced by a different one.
func (l PaymentLink) Apply(t Transition, now time.Time) (PaymentLink, error) {
	if !CanTransition(l.Status, t.To) {
		return l, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, t.To)
	}

	if t.To == StatusPending || t.To == StatusPaid {
		switch {
		case l.MatchedEventRef == "" && t.EventRef == "":
			return l, fmt.Errorf("%w: %s requires a matched event", ErrInvalidTransition, t.To)
		case l.MatchedEventRef != "" && t.EventRef != "" && l.MatchedEventRef != t.EventRef:
			return l, fmt.Errorf("%w: link already bound to %s", ErrInvalidTransition, l.MatchedEventRef)
		case l.MatchedEventRef == "":
			l.MatchedEventRef = t.EventRef
			l.MatchedBlock = t.BlockNumber
		}
	}

	l.Status = t.To
	l.UpdatedAt = now
	return l, nil
}

// NormalizeAddress lower-cases a ledger address so comparisons are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// StatusChange is emitted after a transition has been persisted.
type StatusChange struct {
	LinkID          string     `json:"link_id"`
	MerchantAddress string     `json:"merchant_address"`
	PreviousStatus  LinkStatus `json:"previous_status"`
	Status          LinkStatus `json:"status"`
	EventRef        string     `json:"event_ref,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}
