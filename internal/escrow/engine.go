package escrow

import (
	"slices"
)

// transitions is the legal transition table: status → action → next status.
var transitions = map[Status]map[Action]Status{
	StatusAwaitingFunds: {
		ActionUploadProof: StatusAwaitingFunds,
		ActionBankOK:      StatusInEscrow,
		ActionDispute:     StatusDispute,
	},
	StatusInEscrow: {
		ActionShipDocs: StatusShipped,
		ActionDispute:  StatusDispute,
	},
	StatusShipped: {
		ActionApproveDelivery: StatusReleased,
		ActionDispute:         StatusDispute,
	},
}

// Draft is an audit entry that has been validated but not yet appended.
// Sequence and At are assigned on append.
type Draft struct {
	By              Actor
	Action          Action
	Meta            Meta
	ResultingStatus Status
}

// Apply decides the next status for action requested by actor from current.
// It performs no I/O and depends only on its arguments.
func Apply(current Status, action Action, actor Actor, meta Meta) (Status, Draft, error) {
	if !action.Requestable() {
		return "", Draft{}, &ValidationError{Field: "action", Message: "unknown action " + string(action)}
	}
	if !actor.Valid() {
		return "", Draft{}, &ValidationError{Field: "actor", Message: "unknown actor " + string(actor)}
	}
	if current.IsTerminal() {
		return "", Draft{}, &TerminalStateError{Current: current, Attempted: action}
	}
	next, ok := transitions[current][action]
	if !ok {
		return "", Draft{}, &IllegalTransitionError{Current: current, Attempted: action}
	}
	draftMeta := meta.Clone()
	if draftMeta == nil {
		draftMeta = Meta{}
	}
	return next, Draft{
		By:              actor,
		Action:          action,
		Meta:            draftMeta,
		ResultingStatus: next,
	}, nil
}

// AllowedActions returns the actions legal from s, sorted by name.
func AllowedActions(s Status) []Action {
	out := make([]Action, 0, len(transitions[s]))
	for a := range transitions[s] {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}
