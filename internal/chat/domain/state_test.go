package domain

import (
	"testing"
	"time"

	"supportchat_backend/platform/apperr"

	"github.com/google/uuid"
)

var (
	agentA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	agentB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func assigned(agent uuid.UUID) Assignment {
	now := time.Now()
	return Assignment{Status: StatusInProgress, AssignedAgent: &agent, AssignedAt: &now}
}

func TestEscalateFromBot(t *testing.T) {
	a := Assignment{Status: StatusBot}
	changed, err := a.ApplyEscalate()
	if err != nil {
		t.Fatalf("escalate from bot: %v", err)
	}
	if !changed {
		t.Fatal("expected changed = true")
	}
	if a.Status != StatusHuman {
		t.Fatalf("status = %s, want human", a.Status)
	}
}

func TestEscalateIdempotentWhenEscalated(t *testing.T) {
	for _, status := range []Status{StatusHuman, StatusInProgress} {
		a := Assignment{Status: status}
		changed, err := a.ApplyEscalate()
		if err != nil {
			t.Fatalf("escalate from %s should be a no-op, got %v", status, err)
		}
		if changed {
			t.Fatalf("escalate from %s reported a change", status)
		}
		if a.Status != status {
			t.Fatalf("status = %s, want %s", a.Status, status)
		}
	}
}

func TestEscalateClosedFails(t *testing.T) {
	a := Assignment{Status: StatusClosed}
	if _, err := a.ApplyEscalate(); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestClaimFromHuman(t *testing.T) {
	a := Assignment{Status: StatusHuman}
	if err := a.ApplyClaim(agentA, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if a.Status != StatusInProgress || a.AssignedAgent == nil || *a.AssignedAgent != agentA {
		t.Fatalf("claim did not assign: %+v", a)
	}
	if reason := a.CheckInvariants(); reason != "" {
		t.Fatalf("invariant violated: %s", reason)
	}
}

func TestClaimAlreadyAssigned(t *testing.T) {
	a := assigned(agentA)
	if err := a.ApplyClaim(agentB, time.Now()); !apperr.Is(err, apperr.KindAlreadyAssigned) {
		t.Fatalf("expected AlreadyAssigned, got %v", err)
	}
	if *a.AssignedAgent != agentA {
		t.Fatal("loser must not steal ownership")
	}
}

func TestClaimFromBotFails(t *testing.T) {
	a := Assignment{Status: StatusBot}
	if err := a.ApplyClaim(agentA, time.Now()); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestClaimClosedFails(t *testing.T) {
	a := Assignment{Status: StatusClosed}
	if err := a.ApplyClaim(agentA, time.Now()); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestTransferByOwner(t *testing.T) {
	a := assigned(agentA)
	if err := a.ApplyTransfer(agentA, agentB, false, time.Now()); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if *a.AssignedAgent != agentB || a.Status != StatusInProgress {
		t.Fatalf("transfer result: %+v", a)
	}
	if a.TransferCount != 1 {
		t.Fatalf("transfer_count = %d, want 1", a.TransferCount)
	}
}

func TestTransferByNonOwnerForbidden(t *testing.T) {
	a := assigned(agentA)
	if err := a.ApplyTransfer(agentB, agentB, false, time.Now()); err == nil {
		t.Fatal("expected an error")
	} else if !apperr.Is(err, apperr.KindValidation) && !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("unexpected kind: %v", err)
	}
}

func TestTransferWithOverride(t *testing.T) {
	a := assigned(agentA)
	other := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	if err := a.ApplyTransfer(other, agentB, true, time.Now()); err != nil {
		t.Fatalf("override transfer: %v", err)
	}
	if *a.AssignedAgent != agentB {
		t.Fatalf("owner = %s, want %s", a.AssignedAgent, agentB)
	}
}

func TestTransferToSelfRejected(t *testing.T) {
	a := assigned(agentA)
	if err := a.ApplyTransfer(agentA, agentA, false, time.Now()); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected Validation, got %v", err)
	}
	if a.TransferCount != 0 {
		t.Fatal("failed transfer must not bump transfer_count")
	}
}

func TestUnassignRequiresOverride(t *testing.T) {
	a := assigned(agentA)
	if err := a.ApplyUnassign(false); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestUnassignClearsOwnerKeepsTransferCount(t *testing.T) {
	a := assigned(agentA)
	a.TransferCount = 2
	if err := a.ApplyUnassign(true); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if a.Status != StatusHuman || a.AssignedAgent != nil {
		t.Fatalf("unassign result: %+v", a)
	}
	if a.TransferCount != 2 {
		t.Fatalf("transfer_count changed by unassign: %d", a.TransferCount)
	}
}

func TestCloseFromEveryNonClosedState(t *testing.T) {
	for _, status := range []Status{StatusBot, StatusHuman, StatusInProgress} {
		a := Assignment{Status: status}
		if status == StatusInProgress {
			a = assigned(agentA)
		}
		if err := a.ApplyClose("resolved", time.Now()); err != nil {
			t.Fatalf("close from %s: %v", status, err)
		}
		if a.Status != StatusClosed || a.AssignedAgent != nil {
			t.Fatalf("close from %s result: %+v", status, a)
		}
		if a.ClosedAt == nil || a.CloseReason == nil || *a.CloseReason != "resolved" {
			t.Fatalf("close metadata missing: %+v", a)
		}
		if reason := a.CheckInvariants(); reason != "" {
			t.Fatalf("invariant violated after close: %s", reason)
		}
	}
}

func TestCloseTwiceFails(t *testing.T) {
	a := Assignment{Status: StatusClosed}
	if err := a.ApplyClose("again", time.Now()); !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestStatusAndChannelValidity(t *testing.T) {
	for _, s := range []Status{StatusBot, StatusHuman, StatusInProgress, StatusClosed} {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	if Status("archived").Valid() {
		t.Fatal("unknown status accepted")
	}
	if !ChannelWeb.Valid() || !ChannelWhatsApp.Valid() || Channel("sms").Valid() {
		t.Fatal("channel validity broken")
	}
}
