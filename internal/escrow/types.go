// Package escrow manages the lifecycle of trade settlement escrows.
//
// Flow:
//  1. Create → awaiting_funds (audit entry 0, version 1)
//  2. Buyer uploads payment proof (status unchanged, submission recorded)
//  3. Bank confirms funds → in_escrow
//  4. Seller ships documents → shipped
//  5. Buyer approves delivery → released
//
// Any non-terminal escrow may be disputed. released and dispute are terminal.
// Every mutation appends to an ordered audit trail and is written with an
// optimistic compare-and-swap on the escrow version.
package escrow

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the state of an escrow.
type Status string

const (
	StatusAwaitingFunds Status = "awaiting_funds" // Created, waiting for the bank
	StatusInEscrow      Status = "in_escrow"      // Funds confirmed by the bank
	StatusShipped       Status = "shipped"        // Seller shipped documents
	StatusReleased      Status = "released"       // Buyer approved delivery
	StatusDispute       Status = "dispute"        // Raised by a party, resolved elsewhere
)

// IsTerminal returns true if the status accepts no further actions.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusDispute
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingFunds, StatusInEscrow, StatusShipped, StatusReleased, StatusDispute:
		return true
	}
	return false
}

// Action is a transition name requested by an actor.
type Action string

const (
	ActionCreate          Action = "create" // only ever recorded by Create
	ActionUploadProof     Action = "upload-proof"
	ActionBankOK          Action = "bank-ok"
	ActionShipDocs        Action = "ship-docs"
	ActionApproveDelivery Action = "approve-delivery"
	ActionDispute         Action = "dispute"
)

// Actions lists every action a caller may request.
var Actions = []Action{
	ActionUploadProof,
	ActionBankOK,
	ActionShipDocs,
	ActionApproveDelivery,
	ActionDispute,
}

// Requestable reports whether a caller may ask for this action.
func (a Action) Requestable() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction converts a wire string into a requestable Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(s))
	if !a.Requestable() {
		return "", &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", s)}
	}
	return a, nil
}

// Actor is the identity that requested a transition.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorBank   Actor = "bank"
	ActorBuyer  Actor = "buyer"
	ActorSeller Actor = "seller"
)

// partyPrefix marks an actor naming a specific party rather than a role.
const partyPrefix = "party:"

// maxPartyIDLength bounds party identifiers stored in the audit trail.
const maxPartyIDLength = 128

// PartyActor returns the actor for a specific party id.
func PartyActor(id string) Actor {
	return Actor(partyPrefix + id)
}

// Valid reports whether a is one of the roles or a well-formed party actor.
func (a Actor) Valid() bool {
	switch a {
	case ActorSystem, ActorBank, ActorBuyer, ActorSeller:
		return true
	}
	id, ok := strings.CutPrefix(string(a), partyPrefix)
	return ok && id != "" && len(id) <= maxPartyIDLength && strings.TrimSpace(id) == id
}

// ParseActor converts a wire string into an Actor.
func ParseActor(s string) (Actor, error) {
	a := Actor(strings.TrimSpace(s))
	if !a.Valid() {
		return "", &ValidationError{Field: "actor", Message: fmt.Sprintf("unknown actor %q", s)}
	}
	return a, nil
}

// Meta is the opaque payload an actor attaches to a transition.
type Meta map[string]any

// Clone returns a deep copy of m. Nested maps and slices are copied so a
// stored entry never aliases caller memory.
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Meta(t).Clone())
	case Meta:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// String returns meta[key] if it holds a non-empty string.
func (m Meta) String(key string) string {
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// AuditEntry is one applied transition. Entries are immutable once appended.
type AuditEntry struct {
	Sequence        int       `json:"sequence"`
	At              time.Time `json:"at"`
	By              Actor     `json:"by"`
	Action          Action    `json:"action"`
	Meta            Meta      `json:"meta"`
	ResultingStatus Status    `json:"resultingStatus"`
}

// Escrow is one trade settlement record together with its audit trail.
type Escrow struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Version   int          `json:"version"`
	DemandID  *string      `json:"demandId"`
	BidID     *string      `json:"bidId"`
	CreatedAt time.Time    `json:"createdAt"`
	Audit     []AuditEntry `json:"audit"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Last returns the most recent audit entry.
func (e *Escrow) Last() (AuditEntry, bool) {
	if len(e.Audit) == 0 {
		return AuditEntry{}, false
	}
	return e.Audit[len(e.Audit)-1], true
}

// Clone returns a deep copy of e.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	out := *e
	out.DemandID = cloneString(e.DemandID)
	out.BidID = cloneString(e.BidID)
	out.Audit = make([]AuditEntry, len(e.Audit))
	for i, entry := range e.Audit {
		entry.Meta = entry.Meta.Clone()
		out.Audit[i] = entry
	}
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
