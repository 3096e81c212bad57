package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindsSurviveWrapping(t *testing.T) {
	base := Ef(KindRateLimited, "confidence.Record", "heuristic %d hit daily cap", 42)
	wrapped := fmt.Errorf("engine: %w", base)

	if !IsRateLimited(wrapped) {
		t.Fatal("kind lost through fmt.Errorf wrapping")
	}
	if KindOf(wrapped) != KindRateLimited {
		t.Fatalf("KindOf = %v, want rate_limited", KindOf(wrapped))
	}
}

func TestKindOfUntypedError(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors must report KindUnknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Fatal("nil must report KindUnknown")
	}
}

func TestPredicatesAreDisjoint(t *testing.T) {
	err := Ef(KindQuarantined, "op", "locked")
	if !IsQuarantined(err) {
		t.Fatal("expected quarantined")
	}
	for name, pred := range map[string]func(error) bool{
		"rate_limited":      IsRateLimited,
		"concurrent_update": IsConcurrentUpdate,
		"not_found":         IsNotFound,
		"validation":        IsValidation,
		"capacity_exceeded": IsCapacityExceeded,
	} {
		if pred(err) {
			t.Fatalf("%s predicate matched a quarantined error", name)
		}
	}
}

func TestErrorMessageFormat(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with cause",
			err:  E(KindNotFound, "store.GetHeuristic", errors.New("heuristic 7 not found")),
			want: "store.GetHeuristic: not_found: heuristic 7 not found",
		},
		{
			name: "without cause",
			err:  E(KindValidation, "query.Context", nil),
			want: "query.Context: validation",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOutcomeValid(t *testing.T) {
	if !OutcomeValidated.Valid() || !OutcomeViolated.Valid() {
		t.Fatal("canonical outcomes must be valid")
	}
	if Outcome("maybe").Valid() {
		t.Fatal("unknown outcome must be invalid")
	}
}
