// Package lifecycle holds the client state machine.
package lifecycle

import (
	"slices"
	"time"

	"ispcore/internal/apperr"
	"ispcore/internal/models"
)

// Event is a lifecycle trigger.
type Event string

const (
	EventApprove         Event = "approve"
	EventReject          Event = "reject"
	EventServiceRenewed  Event = "service_renewed"
	EventRenewalDeclined Event = "renewal_declined"
	EventAdminSuspend    Event = "admin_suspend"
	EventAdminResume     Event = "admin_resume"
	EventDisconnect      Event = "disconnect"
	EventReapply         Event = "reapply"
)

type transition struct {
	From  models.ClientStatus
	Event Event
}

// validTransitions maps every allowed (state, event) pair to its target state.
var validTransitions = map[transition]models.ClientStatus{
	{models.ClientStatusPending, EventApprove}:          models.ClientStatusApproved,
	{models.ClientStatusPending, EventReject}:           models.ClientStatusRejected,
	{models.ClientStatusApproved, EventServiceRenewed}:  models.ClientStatusActive, // first activation
	{models.ClientStatusActive, EventServiceRenewed}:    models.ClientStatusActive,
	{models.ClientStatusSuspended, EventServiceRenewed}: models.ClientStatusActive,
	{models.ClientStatusActive, EventRenewalDeclined}:   models.ClientStatusSuspended,
	{models.ClientStatusActive, EventAdminSuspend}:      models.ClientStatusSuspended,
	{models.ClientStatusSuspended, EventAdminResume}:    models.ClientStatusActive,
	{models.ClientStatusActive, EventDisconnect}:        models.ClientStatusDisconnected,
	{models.ClientStatusSuspended, EventDisconnect}:     models.ClientStatusDisconnected,
	{models.ClientStatusRejected, EventReapply}:         models.ClientStatusPending,
	{models.ClientStatusDisconnected, EventReapply}:     models.ClientStatusPending,
}

// Outcome is the result of a valid transition.
type Outcome struct {
	From       models.ClientStatus `json:"from"`
	To         models.ClientStatus `json:"to"`
	Event      Event               `json:"event"`
	SyncAction models.SyncAction   `json:"sync_action,omitempty"`
}

// RequiresSync returns true if the transition must enqueue a network command.
func (o Outcome) RequiresSync() bool {
	return o.SyncAction != models.SyncActionNone
}

// Transition is the pure transition function.
func Transition(from models.ClientStatus, ev Event) (Outcome, error) {
	to, ok := validTransitions[transition{from, ev}]
	if !ok {
		return Outcome{}, apperr.Newf(apperr.ErrInvalidTransition, "cannot %s a %s client", ev, from)
	}
	return Outcome{
		From:       from,
		To:         to,
		Event:      ev,
		SyncAction: syncActionFor(to),
	}, nil
}

// syncActionFor returns the network command a transition needs. Only moves
// into a network-reachable state need one.
func syncActionFor(to models.ClientStatus) models.SyncAction {
	switch to {
	case models.ClientStatusActive, models.ClientStatusSuspended, models.ClientStatusDisconnected:
		return models.DesiredSyncAction(to)
	default:
		return models.SyncActionNone
	}
}

// EventsFrom returns the events accepted in the given state.
func EventsFrom(from models.ClientStatus) []Event {
	events := make([]Event, 0)
	for t := range validTransitions {
		if t.From == from {
			events = append(events, t.Event)
		}
	}
	slices.Sort(events)
	return events
}

// Machine applies transitions to client rows.
type Machine struct {
	// GracePeriod is how long a non-payment suspension lasts before the
	// client is scheduled for disconnection. Zero disables scheduling.
	GracePeriod time.Duration
}

// Apply transitions c in place and returns the outcome. c is left untouched on error.
func (m Machine) Apply(c *models.Client, ev Event, now time.Time) (Outcome, error) {
	out, err := Transition(c.Status, ev)
	if err != nil {
		return Outcome{}, err
	}

	if ev == EventAdminResume && c.IsExpired(now) {
		return Outcome{}, apperr.Newf(apperr.ErrInvalidTransition,
			"cannot resume: paid period ended, a renewal is required")
	}

	c.Status = out.To
	switch ev {
	case EventRenewalDeclined:
		c.SuspendedReason = models.SuspendedReasonNonPayment
		c.DisconnectionScheduledAt = nil
		if m.GracePeriod > 0 {
			at := now.Add(m.GracePeriod)
			c.DisconnectionScheduledAt = &at
		}
	case EventAdminSuspend:
		c.SuspendedReason = models.SuspendedReasonAdmin
		c.DisconnectionScheduledAt = nil
	default:
		c.SuspendedReason = models.SuspendedReasonNone
		c.DisconnectionScheduledAt = nil
	}

	return out, nil
}
