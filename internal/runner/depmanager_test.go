package runner

import (
	"strings"
	"testing"

	"github.com/me/stagerun/internal/suite"
)

func expectPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("no panic, want one mentioning %q", substr)
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, substr) {
			t.Fatalf("panic %v, want message mentioning %q", r, substr)
		}
	}()
	fn()
}

func mkStage(t *testing.T, suites ...*suite.Suite) *suite.Stage {
	t.Helper()
	coll := mkCollection(t, suites...)
	st := coll.Stage(suites[0].Stage())
	if st == nil {
		t.Fatalf("stage %q missing", suites[0].Stage())
	}
	return st
}

func TestDepManagerPoolIsUnion(t *testing.T) {
	a := mkSuite(t, "a", "s1", []string{"db", "net"}, nil)
	b := mkSuite(t, "b", "s1", []string{"db"}, map[string][]string{"p": {"x", "y"}})
	m := NewDepManager(mkStage(t, a, b), testLogger())

	// db, net, x, y
	if m.PoolSize() != 4 {
		t.Errorf("PoolSize() = %d, want 4", m.PoolSize())
	}
	if m.AvailableCount() != 4 || m.InUseCount() != 0 {
		t.Errorf("fresh pool: available %d, in use %d, want 4, 0", m.AvailableCount(), m.InUseCount())
	}
}

func TestDepManagerLockAndFree(t *testing.T) {
	a := mkSuite(t, "a", "s1", []string{"db"}, map[string][]string{"p": {"x", "y"}})
	m := NewDepManager(mkStage(t, a), testLogger())

	if !m.TryLock(a) {
		t.Fatal("TryLock = false on a fresh pool")
	}
	if !a.Committed() {
		t.Error("suite not committed after TryLock")
	}
	if m.InUseCount() != 2 {
		t.Errorf("in use %d after lock, want 2 (db plus one option)", m.InUseCount())
	}
	m.Free(a)
	if m.InUseCount() != 0 || m.AvailableCount() != m.PoolSize() {
		t.Errorf("pool not restored after Free: available %d, in use %d", m.AvailableCount(), m.InUseCount())
	}
}

func TestDepManagerStaticContention(t *testing.T) {
	a := mkSuite(t, "a", "s1", []string{"db"}, nil)
	b := mkSuite(t, "b", "s1", []string{"db"}, nil)
	m := NewDepManager(mkStage(t, a, b), testLogger())

	if !m.TryLock(a) {
		t.Fatal("TryLock(a) = false")
	}
	if m.TryLock(b) {
		t.Fatal("TryLock(b) = true while a holds db")
	}
	if b.Committed() {
		t.Error("failed TryLock committed the suite")
	}
	m.Free(a)
	if !m.TryLock(b) {
		t.Error("TryLock(b) = false after Free(a)")
	}
}

func TestDepManagerDynamicContention(t *testing.T) {
	a := mkSuite(t, "a", "s1", nil, map[string][]string{"p": {"x"}})
	b := mkSuite(t, "b", "s1", nil, map[string][]string{"q": {"x"}})
	m := NewDepManager(mkStage(t, a, b), testLogger())

	if !m.TryLock(a) {
		t.Fatal("TryLock(a) = false")
	}
	if got := a.ResolvedDynamic()["p"]; got != "x" {
		t.Errorf("a bound to %q, want x", got)
	}
	if m.TryLock(b) {
		t.Fatal("TryLock(b) = true while x is in use")
	}
	m.Free(a)
	if !m.TryLock(b) {
		t.Error("TryLock(b) = false after x was freed")
	}
}

func TestDepManagerFailedLockChangesNothing(t *testing.T) {
	a := mkSuite(t, "a", "s1", []string{"db"}, nil)
	b := mkSuite(t, "b", "s1", []string{"db"}, map[string][]string{"p": {"x"}})
	m := NewDepManager(mkStage(t, a, b), testLogger())

	if !m.TryLock(a) {
		t.Fatal("TryLock(a) = false")
	}
	avail, inUse := m.AvailableCount(), m.InUseCount()
	if m.TryLock(b) {
		t.Fatal("TryLock(b) = true while db is held")
	}
	if m.AvailableCount() != avail || m.InUseCount() != inUse {
		t.Error("failed TryLock moved resources")
	}
}

func TestDepManagerDoubleFreePanics(t *testing.T) {
	a := mkSuite(t, "a", "s1", []string{"db"}, nil)
	m := NewDepManager(mkStage(t, a), testLogger())

	if !m.TryLock(a) {
		t.Fatal("TryLock = false")
	}
	m.Free(a)
	expectPanic(t, "not in use", func() { m.Free(a) })
}
