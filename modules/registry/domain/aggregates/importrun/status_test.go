package importrun

import "testing"

func TestStatusTransitions(t *testing.T) {
	all := []Status{
		StatusUploaded, StatusProcessing, StatusReadyForReview, StatusReadyToCommit,
		StatusCommitted, StatusCancelled, StatusFailed, StatusRolledBack,
	}

	allowed := map[Status][]Status{
		StatusUploaded:       {StatusProcessing, StatusCancelled},
		StatusProcessing:     {StatusReadyForReview, StatusReadyToCommit, StatusFailed, StatusCancelled},
		StatusReadyForReview: {StatusReadyToCommit, StatusCancelled},
		StatusReadyToCommit:  {StatusCommitted, StatusFailed, StatusCancelled},
		StatusCommitted:      {StatusRolledBack},
	}

	for _, from := range all {
		want := map[Status]bool{}
		for _, to := range allowed[from] {
			want[to] = true
		}
		for _, to := range all {
			if got := from.CanTransitionTo(to); got != want[to] {
				t.Fatalf("%s -> %s: got %v, want %v", from, to, got, want[to])
			}
		}
	}
}

func TestStatusTerminality(t *testing.T) {
	terminal := map[Status]bool{
		StatusCancelled:  true,
		StatusFailed:     true,
		StatusRolledBack: true,
	}
	for _, s := range []Status{
		StatusUploaded, StatusProcessing, StatusReadyForReview, StatusReadyToCommit,
		StatusCommitted, StatusCancelled, StatusFailed, StatusRolledBack,
	} {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Fatalf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestNewStatus(t *testing.T) {
	if _, err := NewStatus("READY_TO_COMMIT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewStatus("ready_to_commit"); err == nil {
		t.Fatalf("expected error for lower-case status")
	}
	if _, err := NewStatus(""); err == nil {
		t.Fatalf("expected error for empty status")
	}
}
