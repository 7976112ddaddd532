package queue

import (
	"log/slog"
	"reflect"
	"testing"

	"escalator/internal/config"
)

func newQueue(t *testing.T, size int, overflow string) *Queue[int] {
	t.Helper()
	q, err := New[int]("test", config.QueueConfig{QueueSize: size, Overflow: overflow}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestQueueOverflowPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		overflow string
		accepted []bool
		want     []int
		dropped  int64
	}{
		{overflow: config.OverflowDropOldest, accepted: []bool{true, true, true, true}, want: []int{3, 4}, dropped: 2},
		{overflow: config.OverflowDropNewest, accepted: []bool{true, true, false, false}, want: []int{1, 2}, dropped: 2},
		{overflow: config.OverflowUnbounded, accepted: []bool{true, true, true, true}, want: []int{1, 2, 3, 4}, dropped: 0},
	}
	for _, tc := range tests {
		t.Run(tc.overflow, func(t *testing.T) {
			t.Parallel()
			q := newQueue(t, 2, tc.overflow)
			for i, want := range tc.accepted {
				if got := q.Push(i + 1); got != want {
					t.Fatalf("push %d accepted=%v want %v", i+1, got, want)
				}
			}
			if got := q.Drain(0); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("drain=%v want %v", got, tc.want)
			}
			if q.Dropped() != tc.dropped {
				t.Fatalf("dropped=%d want %d", q.Dropped(), tc.dropped)
			}
		})
	}
}

func TestQueueDrainLimitKeepsOrderAndSignals(t *testing.T) {
	t.Parallel()

	q := newQueue(t, 10, config.OverflowDropOldest)
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}
	<-q.Ready()

	if got := q.Drain(2); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("first batch=%v", got)
	}
	select {
	case <-q.Ready():
	default:
		t.Fatalf("partial drain must re-signal readiness")
	}
	if got := q.Drain(10); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("second batch=%v", got)
	}
	if q.Drain(1) != nil || q.Len() != 0 {
		t.Fatalf("queue must be empty")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := New[int]("q", config.QueueConfig{QueueSize: 1, Overflow: "block"}, nil); err == nil {
		t.Fatalf("expected overflow error")
	}
	if _, err := New[int]("q", config.QueueConfig{Overflow: config.OverflowDropOldest}, nil); err == nil {
		t.Fatalf("expected size error")
	}
}
