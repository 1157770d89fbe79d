package model

import (
	"testing"
	"time"
)

func TestCommandCanTransitionToFromPending(t *testing.T) {
	c := &Command{Status: CommandPendingStatus}
	allowed := []CommandStatus{CommandSentStatus, CommandFailedStatus, CommandExpiredStatus, CommandSupersededStatus}
	for _, next := range allowed {
		if !c.CanTransitionTo(next) {
			t.Errorf("expected pending -> %s to be allowed", next)
		}
	}
	if c.CanTransitionTo(CommandAcknowledgedStatus) {
		t.Error("pending -> acknowledged should be rejected (must pass through sent)")
	}
}

func TestCommandCanTransitionToFromSent(t *testing.T) {
	c := &Command{Status: CommandSentStatus}
	if !c.CanTransitionTo(CommandAcknowledgedStatus) {
		t.Error("expected sent -> acknowledged to be allowed")
	}
	for _, next := range []CommandStatus{CommandPendingStatus, CommandFailedStatus, CommandExpiredStatus, CommandSupersededStatus} {
		if c.CanTransitionTo(next) {
			t.Errorf("sent -> %s should be rejected", next)
		}
	}
}

func TestCommandCanTransitionToFromFailed(t *testing.T) {
	c := &Command{Status: CommandFailedStatus}
	if !c.CanTransitionTo(CommandPendingStatus) {
		t.Error("expected failed -> pending (retry) to be allowed")
	}
	if c.CanTransitionTo(CommandSentStatus) {
		t.Error("failed -> sent should be rejected; must go through pending first")
	}
}

// TestCommandTerminalStatesAreSticky checks that no command
// transitions acknowledged -> anything, nor expired -> anything.
func TestCommandTerminalStatesAreSticky(t *testing.T) {
	allStatuses := []CommandStatus{
		CommandPendingStatus, CommandSentStatus, CommandAcknowledgedStatus,
		CommandFailedStatus, CommandExpiredStatus, CommandSupersededStatus,
	}
	for _, terminal := range []CommandStatus{CommandAcknowledgedStatus, CommandExpiredStatus} {
		c := &Command{Status: terminal}
		for _, next := range allStatuses {
			if c.CanTransitionTo(next) {
				t.Errorf("%s -> %s should never be allowed", terminal, next)
			}
		}
	}
}

func TestSessionIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{LastActivityAt: now.Add(-11 * time.Minute)}
	if !s.Idle(10*time.Minute, now) {
		t.Error("expected session idle past 11 minutes with a 10-minute timeout")
	}

	s.LastActivityAt = now.Add(-5 * time.Minute)
	if s.Idle(10*time.Minute, now) {
		t.Error("expected session not idle at 5 minutes with a 10-minute timeout")
	}
}

func TestDeviceHasFullAssignment(t *testing.T) {
	var nilDevice *Device
	if nilDevice.HasFullAssignment() {
		t.Error("nil device should report no full assignment")
	}

	d := &Device{CompanyID: "co-1", ProgramID: "prog-1"}
	if d.HasFullAssignment() {
		t.Error("partial assignment (missing site) should not be full")
	}
	d.SiteID = "site-1"
	if !d.HasFullAssignment() {
		t.Error("expected full assignment once company/program/site are all set")
	}
}

func TestDeviceLineageComplete(t *testing.T) {
	var nilLineage *DeviceLineage
	if nilLineage.Complete() {
		t.Error("nil lineage should not be complete")
	}

	l := &DeviceLineage{DeviceID: "d1", CompanyID: "c1", ProgramID: "p1"}
	if l.Complete() {
		t.Error("missing site id should not be complete")
	}
	l.SiteID = "s1"
	if !l.Complete() {
		t.Error("expected complete lineage once all four fields are set")
	}
}

func TestImageAssemblyKey(t *testing.T) {
	a := &ImageAssembly{DeviceMAC: "98A316F82928", ImageName: "IMG001.jpg"}
	want := AssemblyKey{DeviceMAC: "98A316F82928", ImageName: "IMG001.jpg"}
	if a.Key() != want {
		t.Errorf("got key %+v, want %+v", a.Key(), want)
	}
}
