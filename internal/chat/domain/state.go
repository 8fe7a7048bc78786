// Package domain provides core business rules for the chat bounded context:
// the conversation lifecycle state machine and the assignment guards. It has
// no I/O; the repository applies these rules under a row lock and the
// in-memory test store applies them under a mutex, so both enforce identical
// semantics.
package domain

import (
	"time"

	"supportchat_backend/platform/apperr"

	"github.com/google/uuid"
)

// Status is the conversation lifecycle state.
type Status string

const (
	// StatusBot is the initial state: the automated responder handles traffic.
	StatusBot Status = "bot"
	// StatusHuman means escalation was requested and no agent has claimed yet.
	StatusHuman Status = "human"
	// StatusInProgress means exactly one agent owns the conversation.
	StatusInProgress Status = "in_progress"
	// StatusClosed is terminal. Closed conversations never transition again.
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBot, StatusHuman, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// Channel identifies the transport a conversation arrived through.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelWeb || c == ChannelWhatsApp
}

// Assignment is the mutable lifecycle slice of a conversation that the
// transition functions operate on.
type Assignment struct {
	Status        Status
	AssignedAgent *uuid.UUID
	AssignedAt    *time.Time
	TransferCount int
	ClosedAt      *time.Time
	CloseReason   *string
}

// Error messages surfaced to callers.
const (
	msgAlreadyClosed    = "conversation is closed"
	msgNotAwaitingAgent = "conversation is not awaiting an agent"
	msgAlreadyAssigned  = "conversation is already assigned to another agent"
	msgNotAssigned      = "conversation is not assigned to an agent"
	msgNotOwner         = "only the assigned agent may transfer this conversation"
	msgSelfTransfer     = "cannot transfer a conversation to its current owner"
	msgOverrideRequired = "override privilege required"
)

// ApplyEscalate performs bot → human and reports whether anything changed.
// Escalating an already-escalated conversation is a no-op so accept replies
// and repeated triggers stay idempotent; closed conversations are rejected.
func (a *Assignment) ApplyEscalate() (bool, error) {
	switch a.Status {
	case StatusBot:
		a.Status = StatusHuman
		return true, nil
	case StatusHuman, StatusInProgress:
		return false, nil
	default:
		return false, apperr.InvalidState(msgAlreadyClosed)
	}
}

// ApplyClaim performs human → in_progress for the given agent. The first
// caller to reach the locked row wins; later callers fail AlreadyAssigned.
func (a *Assignment) ApplyClaim(agentID uuid.UUID, now time.Time) error {
	if a.Status == StatusClosed {
		return apperr.InvalidState(msgAlreadyClosed)
	}
	if a.AssignedAgent != nil {
		return apperr.AlreadyAssigned(msgAlreadyAssigned)
	}
	if a.Status != StatusHuman {
		return apperr.InvalidState(msgNotAwaitingAgent)
	}

	agent := agentID
	a.AssignedAgent = &agent
	a.AssignedAt = &now
	a.Status = StatusInProgress
	return nil
}

// ApplyTransfer moves ownership from the current owner to toAgent. The
// caller must be the current owner unless it holds the override privilege.
// Status stays in_progress; transfer_count increments.
func (a *Assignment) ApplyTransfer(fromAgent, toAgent uuid.UUID, override bool, now time.Time) error {
	if a.Status == StatusClosed {
		return apperr.InvalidState(msgAlreadyClosed)
	}
	if a.Status != StatusInProgress || a.AssignedAgent == nil {
		return apperr.InvalidState(msgNotAssigned)
	}
	if toAgent == *a.AssignedAgent {
		return apperr.Validation(msgSelfTransfer)
	}
	if *a.AssignedAgent != fromAgent && !override {
		return apperr.Forbidden(msgNotOwner)
	}

	agent := toAgent
	a.AssignedAgent = &agent
	a.AssignedAt = &now
	a.TransferCount++
	return nil
}

// ApplyUnassign performs in_progress → human, clearing ownership. Requires
// the override privilege.
func (a *Assignment) ApplyUnassign(override bool) error {
	if a.Status == StatusClosed {
		return apperr.InvalidState(msgAlreadyClosed)
	}
	if !override {
		return apperr.Forbidden(msgOverrideRequired)
	}
	if a.Status != StatusInProgress {
		return apperr.InvalidState(msgNotAssigned)
	}

	a.AssignedAgent = nil
	a.AssignedAt = nil
	a.Status = StatusHuman
	return nil
}

// ApplyClose transitions any non-closed state to closed, clearing ownership.
func (a *Assignment) ApplyClose(reason string, now time.Time) error {
	if a.Status == StatusClosed {
		return apperr.InvalidState(msgAlreadyClosed)
	}

	a.AssignedAgent = nil
	a.AssignedAt = nil
	a.Status = StatusClosed
	a.ClosedAt = &now
	if reason != "" {
		r := reason
		a.CloseReason = &r
	}
	return nil
}

// CheckInvariants verifies the two structural invariants of the aggregate:
// an assigned conversation is in_progress, and a closed conversation has no
// owner. Returns a non-empty reason string when violated.
func (a *Assignment) CheckInvariants() string {
	if a.AssignedAgent != nil && a.Status != StatusInProgress {
		return "assigned conversation must have status in_progress"
	}
	if a.Status == StatusClosed && a.AssignedAgent != nil {
		return "closed conversation must not have an assigned agent"
	}
	return ""
}
