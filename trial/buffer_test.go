package trial

import (
	"fmt"
	"testing"
)

// fakeTarget resolves params whose int value is in the unlocked set.
type fakeTarget struct {
	unlocked map[int]bool
	maxSize  int
	calls    []bool // records the `pending` flag seen on each TryMe call
	offered  []int  // records the param offered on each TryMe call
}

func newFakeTarget(maxSize int) *fakeTarget {
	return &fakeTarget{unlocked: make(map[int]bool), maxSize: maxSize}
}

func (f *fakeTarget) TryMe(pending bool, param any) bool {
	f.calls = append(f.calls, pending)
	f.offered = append(f.offered, param.(int))
	return f.unlocked[param.(int)]
}

func (f *fakeTarget) ParamID(param any) string {
	return fmt.Sprintf("id-%d", param.(int))
}

func (f *fakeTarget) MaxSize() int {
	return f.maxSize
}

func TestTrialResolvesImmediately(t *testing.T) {
	target := newFakeTarget(10)
	target.unlocked[1] = true
	buf := NewBuffer(target)

	buf.Trial(1)
	if buf.Len() != 0 {
		t.Fatalf("expected immediate resolution, got %d pending", buf.Len())
	}
}

func TestTrialQueuesUnresolved(t *testing.T) {
	target := newFakeTarget(10)
	buf := NewBuffer(target)

	buf.Trial(1)
	buf.Trial(2)
	if buf.Len() != 2 {
		t.Fatalf("expected 2 pending, got %d", buf.Len())
	}
}

func TestSweepResolvesInOrder(t *testing.T) {
	target := newFakeTarget(10)
	buf := NewBuffer(target)

	buf.Trial(1)
	buf.Trial(2)
	buf.Trial(3)

	target.unlocked[1] = true
	target.unlocked[3] = true
	target.offered = nil
	buf.Sweep()

	if fmt.Sprint(target.offered) != fmt.Sprint([]int{1, 2, 3}) {
		t.Fatalf("expected Sweep to offer entries in insertion order [1 2 3], got %v", target.offered)
	}
	if buf.Len() != 1 {
		t.Fatalf("expected 1 remaining after sweep, got %d", buf.Len())
	}

	target.unlocked[2] = true
	buf.Sweep()
	if buf.Len() != 0 {
		t.Fatalf("expected 0 remaining after second sweep, got %d", buf.Len())
	}
}

func TestTrialDuplicateReplacesEntry(t *testing.T) {
	target := newFakeTarget(10)
	buf := NewBuffer(target)

	buf.Trial(1)
	buf.Trial(1)
	if buf.Len() != 1 {
		t.Fatalf("expected duplicate paramId to replace, got %d entries", buf.Len())
	}
}

func TestTrialEvictsOldestOnOverflow(t *testing.T) {
	target := newFakeTarget(2)
	buf := NewBuffer(target)

	buf.Trial(1)
	buf.Trial(2)
	buf.Trial(3)

	if buf.Len() != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", buf.Len())
	}

	target.unlocked[1] = true
	buf.Sweep()
	if buf.Len() != 2 {
		t.Fatalf("expected entry 1 to have been evicted already, sweep should not resolve it: len=%d", buf.Len())
	}
}

func TestSweepPassesPendingTrue(t *testing.T) {
	target := newFakeTarget(10)
	buf := NewBuffer(target)
	buf.Trial(1)

	target.calls = nil
	buf.Sweep()

	if len(target.calls) != 1 || target.calls[0] != true {
		t.Fatalf("expected Sweep to call TryMe with pending=true, got %v", target.calls)
	}
}

func TestTrialPassesPendingFalse(t *testing.T) {
	target := newFakeTarget(10)
	buf := NewBuffer(target)
	buf.Trial(1)

	if len(target.calls) != 1 || target.calls[0] != false {
		t.Fatalf("expected Trial to call TryMe with pending=false, got %v", target.calls)
	}
}
