package cron

import (
	"testing"
	"time"
)

func TestComputeNextRunAt(t *testing.T) {
	now := time.UnixMilli(1_000_000)

	next, err := ComputeNextRun(Schedule{Kind: "at", AtMs: 2_000_000}, now)
	if err != nil {
		t.Fatalf("future at: %v", err)
	}
	if next != 2_000_000 {
		t.Fatalf("future at = %d, want 2000000", next)
	}

	next, err = ComputeNextRun(Schedule{Kind: "at", AtMs: 500_000}, now)
	if err != nil {
		t.Fatalf("past at: %v", err)
	}
	if next != 0 {
		t.Fatalf("past at = %d, want 0 (no future run)", next)
	}

	// Exactly-now is not strictly future.
	next, err = ComputeNextRun(Schedule{Kind: "at", AtMs: 1_000_000}, now)
	if err != nil {
		t.Fatalf("at == now: %v", err)
	}
	if next != 0 {
		t.Fatalf("at == now = %d, want 0", next)
	}
}

func TestComputeNextRunEvery(t *testing.T) {
	tests := []struct {
		name     string
		everyMs  int64
		anchorMs int64
		nowMs    int64
		want     int64
	}{
		{"mid interval rounds up", 1000, 0, 2500, 3000},
		{"on boundary stays put", 1000, 0, 3000, 3000},
		{"before anchor waits for anchor", 1000, 5000, 2500, 5000},
		{"offset anchor preserved", 1000, 250, 2500, 3250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Schedule{Kind: "every", EveryMs: tt.everyMs, AnchorMs: tt.anchorMs}
			got, err := ComputeNextRun(s, time.UnixMilli(tt.nowMs))
			if err != nil {
				t.Fatalf("ComputeNextRun: %v", err)
			}
			if got != tt.want {
				t.Fatalf("next = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := ComputeNextRun(Schedule{Kind: "every", EveryMs: 0}, time.Now()); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
}

func TestComputeNextRunCron(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)

	next, err := ComputeNextRun(Schedule{Kind: "cron", Expr: "0 * * * *", TZ: "UTC"}, now)
	if err != nil {
		t.Fatalf("ComputeNextRun: %v", err)
	}
	want := time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC).UnixMilli()
	if next != want {
		t.Fatalf("hourly next = %d, want %d", next, want)
	}

	if _, err := ComputeNextRun(Schedule{Kind: "cron", Expr: "not a cron"}, now); err == nil {
		t.Fatal("expected error for invalid expression")
	}
	if _, err := ComputeNextRun(Schedule{Kind: "cron", Expr: "0 * * * *", TZ: "Mars/Olympus"}, now); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestComputeNextRunUnknownKind(t *testing.T) {
	if _, err := ComputeNextRun(Schedule{Kind: "weekly"}, time.Now()); err == nil {
		t.Fatal("expected error for unknown schedule kind")
	}
}
