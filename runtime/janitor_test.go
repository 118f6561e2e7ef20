package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (p *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, before)
	return 3, p.err
}

func (p *fakePruner) runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cutoffs)
}

// tickEvery is a sub-second schedule for tests.
type tickEvery time.Duration

func (d tickEvery) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

func TestParseSchedule(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)
	tests := []struct {
		name     string
		schedule string
		want     time.Time
		wantErr  bool
	}{
		{name: "descriptor", schedule: "@hourly", want: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
		{name: "five field cron", schedule: "*/15 * * * *", want: time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC)},
		{name: "duration", schedule: "30m", want: base.Add(30 * time.Minute)},
		{name: "empty", schedule: "", wantErr: true},
		{name: "garbage", schedule: "every now and then", wantErr: true},
		{name: "negative", schedule: "-5m", wantErr: true},
		{name: "sub-second", schedule: "10ms", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := ParseSchedule(tt.schedule)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseSchedule(%q) expected error", tt.schedule)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error = %v", tt.schedule, err)
			}
			if got := sched.Next(base); !got.Equal(tt.want) {
				t.Errorf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJanitorRunOnceUsesRetention(t *testing.T) {
	pruner := &fakePruner{}
	j, err := NewJanitor(pruner, "@daily", 48*time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	n, err := j.RunOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("RunOnce() = %d, %v", n, err)
	}
	if want := now.Add(-48 * time.Hour); !pruner.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", pruner.cutoffs[0], want)
	}
}

func TestJanitorStartRunsUntilCancelled(t *testing.T) {
	pruner := &fakePruner{err: errors.New("db locked")}
	j, err := NewJanitor(pruner, "1h", time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	j.schedule = tickEvery(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for pruner.runs() < 3 {
		select {
		case <-deadline:
			t.Fatalf("janitor ran %d times, want at least 3", pruner.runs())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestNewJanitorValidation(t *testing.T) {
	if _, err := NewJanitor(nil, "@daily", time.Hour, zerolog.Nop()); err == nil {
		t.Errorf("expected error for nil pruner")
	}
	if _, err := NewJanitor(&fakePruner{}, "@daily", 0, zerolog.Nop()); err == nil {
		t.Errorf("expected error for zero retention")
	}
	if _, err := NewJanitor(&fakePruner{}, "bogus", time.Hour, zerolog.Nop()); err == nil {
		t.Errorf("expected error for bad schedule")
	}
}
