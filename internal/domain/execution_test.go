package domain

import (
	"errors"
	"testing"

	"github.com/containerd/errdefs"
)

func TestExecutionStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to ExecutionStatus
		want     bool
	}{
		{ExecutionPending, ExecutionRunning, true},
		{ExecutionPending, ExecutionFailed, true},
		{ExecutionPending, ExecutionCompleted, false},
		{ExecutionRunning, ExecutionCompleted, true},
		{ExecutionRunning, ExecutionFailed, true},
		{ExecutionRunning, ExecutionPending, false},
		{ExecutionCompleted, ExecutionFailed, false},
		{ExecutionCompleted, ExecutionRunning, false},
		{ExecutionFailed, ExecutionCompleted, false},
		{ExecutionFailed, ExecutionFailed, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPredecessorsOf(t *testing.T) {
	from := PredecessorsOf(ExecutionFailed)
	if len(from) != 2 || from[0] != ExecutionPending || from[1] != ExecutionRunning {
		t.Fatalf("unexpected predecessors of failed: %v", from)
	}
	if got := PredecessorsOf(ExecutionPending); len(got) != 0 {
		t.Fatalf("pending must not be reachable, got %v", got)
	}
}

func validContext() UserContext {
	return UserContext{
		IdeaDescription:      "Meal kits for students",
		TargetMarket:         "USA",
		TargetAudience:       "College students",
		AudiencePains:        "No time to cook",
		UniqueSellingPoint:   "Cheap and fast",
		ProgrammingSkills:    "can_code",
		FinancialResources:   "own_funds",
		AvailableTimePerWeek: "20 hours",
		SocialMediaPresence:  "none",
	}
}

func TestUserContextValidate(t *testing.T) {
	if err := validContext().Validate(); err != nil {
		t.Fatalf("expected valid context, got %v", err)
	}

	bad := validContext()
	bad.TargetMarket = " "
	bad.ProgrammingSkills = "wizard"
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument class, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Fields) != 2 {
		t.Fatalf("expected 2 field errors, got %+v", verr.Fields)
	}
}

func TestUserPassword(t *testing.T) {
	u := &User{Username: "alice"}
	if u.CheckPassword("secret") {
		t.Fatal("empty hash must never match")
	}
	if err := u.SetPassword("secret"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if !u.CheckPassword("secret") {
		t.Fatal("expected password to match")
	}
	if u.CheckPassword("other") {
		t.Fatal("expected wrong password to fail")
	}
}
