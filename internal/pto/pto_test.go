package pto

import (
	"testing"
	"time"
)

func TestArmFiresAfterDuration(t *testing.T) {
	tm := New()
	tm.Arm(20 * time.Millisecond)
	if !tm.Active() {
		t.Fatal("expected Active() true right after Arm")
	}
	select {
	case <-tm.Fired():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer did not fire within 200ms of a 20ms arm")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	tm := New()
	tm.Arm(20 * time.Millisecond)
	tm.Cancel()
	if tm.Active() {
		t.Fatal("expected Active() false after Cancel")
	}
	select {
	case <-tm.Fired():
		t.Fatal("cancelled timer should not fire")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRearmReplacesPreviousDeadline(t *testing.T) {
	tm := New()
	tm.Arm(10 * time.Millisecond)
	tm.Arm(100 * time.Millisecond) // should supersede the short arm
	start := time.Now()
	<-tm.Fired()
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("fired too early (%v), rearm did not take effect", elapsed)
	}
}
