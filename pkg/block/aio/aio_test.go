package aio

import (
	"sync"
	"testing"
)

func TestContext_RunExecutesSynchronously(t *testing.T) {
	c := NewContext("test")
	defer c.Close()

	ran := false
	c.Run(func() { ran = true })
	if !ran {
		t.Error("Run returned before the function executed")
	}
	if c.Name() != "test" {
		t.Errorf("Name() = %q", c.Name())
	}
}

func TestContext_ScheduleKeepsSubmissionOrder(t *testing.T) {
	c := NewContext("order")

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		c.Schedule(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	c.Close() // drains queued work

	if len(got) != 50 {
		t.Fatalf("ran %d tasks, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order (got %d)", i, v)
		}
	}
}

func TestContext_CloseIsIdempotent(t *testing.T) {
	c := NewContext("close")
	c.Close()
	c.Close()
}

func TestContext_ScheduleAfterClosePanics(t *testing.T) {
	c := NewContext("closed")
	c.Close()
	defer func() {
		if recover() == nil {
			t.Error("Schedule on a closed context should panic")
		}
	}()
	c.Schedule(func() {})
}

func TestDefault_IsStable(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() must return the same context every time")
	}
}
