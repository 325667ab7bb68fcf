package cursor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mschirtzinger/p4sync/internal/changelist"
)

type memCounters struct {
	values  map[string]int
	readErr error
	writes  []int
}

func (m *memCounters) Counter(ctx context.Context, name string) (int, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.values[name], nil
}

func (m *memCounters) SetCounter(ctx context.Context, name string, value int) error {
	m.values[name] = value
	m.writes = append(m.writes, value)
	return nil
}

func TestName(t *testing.T) {
	if got := Name("", 65); got != "tk_perforcesync_project_65" {
		t.Errorf("Name() = %q", got)
	}
	if got := Name("custom_", 7); got != "custom_7" {
		t.Errorf("Name() = %q", got)
	}
}

func TestGet_Unset(t *testing.T) {
	c := New(&memCounters{values: map[string]int{}}, "x")
	v, err := c.Get(context.Background())
	if err != nil || v != 0 {
		t.Errorf("Get() = %d, %v; want 0, nil", v, err)
	}
}

func TestGet_NotFoundIsZero(t *testing.T) {
	c := New(&memCounters{readErr: fmt.Errorf("counter: %w", changelist.ErrNotFound)}, "x")
	v, err := c.Get(context.Background())
	if err != nil || v != 0 {
		t.Errorf("Get() = %d, %v; want 0, nil", v, err)
	}
}

func TestGet_TransientFailureIsNotZero(t *testing.T) {
	c := New(&memCounters{readErr: changelist.ErrConnection}, "x")
	_, err := c.Get(context.Background())
	if !errors.Is(err, changelist.ErrConnection) {
		t.Fatalf("Expected ErrConnection, got %v", err)
	}
}

func TestAdvance_Monotonic(t *testing.T) {
	counters := &memCounters{values: map[string]int{"x": 100}}
	c := New(counters, "x")
	ctx := context.Background()

	steps := []struct {
		value int
		want  int
	}{
		{101, 101},
		{99, 101},
		{101, 101},
		{150, 150},
	}
	for _, s := range steps {
		got, err := c.Advance(ctx, s.value)
		if err != nil {
			t.Fatalf("Advance(%d) failed: %v", s.value, err)
		}
		if got != s.want {
			t.Errorf("Advance(%d) = %d, want %d", s.value, got, s.want)
		}
	}

	if len(counters.writes) != 2 {
		t.Errorf("Expected 2 writes, got %v", counters.writes)
	}
	for i := 1; i < len(counters.writes); i++ {
		if counters.writes[i] < counters.writes[i-1] {
			t.Errorf("cursor decreased: %v", counters.writes)
		}
	}
}
