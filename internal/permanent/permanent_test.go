package permanent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"escalator/internal/domain"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	if Mark(nil) != nil {
		t.Fatalf("Mark(nil) must stay nil")
	}
	if Is(nil) || Is(context.DeadlineExceeded) {
		t.Fatalf("plain errors are retryable")
	}

	wrapped := fmt.Errorf("send: %w", Mark(context.Canceled))
	if !Is(wrapped) {
		t.Fatalf("marker must survive wrapping")
	}
	if !errors.Is(wrapped, context.Canceled) {
		t.Fatalf("cause must stay reachable")
	}
	if !errors.Is(wrapped, domain.ErrDeliveryFailure) {
		t.Fatalf("permanent errors are delivery failures")
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := Error{Reason: "bad chat", Err: errors.New("400")}
	if err.Error() != "bad chat: 400" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if got := Errorf("status=%d", 404).Error(); got != "status=404" {
		t.Fatalf("unexpected message %q", got)
	}
}
