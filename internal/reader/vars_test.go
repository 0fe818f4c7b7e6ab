package reader

import (
	"errors"
	"testing"
)

func testEngine() *Engine {
	return NewEngine(map[string]any{
		"name":  "router",
		"count": 3,
		"ports": []any{"eth0", "eth1"},
	})
}

func TestEngineEval(t *testing.T) {
	e := testEngine()

	v, err := e.Eval("name")
	if err != nil || v != "router" {
		t.Errorf("Eval(name) = %v, %v, want router", v, err)
	}

	v, err = e.Eval("ports[1]")
	if err != nil || v != "eth1" {
		t.Errorf("Eval(ports[1]) = %v, %v, want eth1", v, err)
	}

	v, err = e.Eval("count * 2")
	if err != nil || v != int64(6) {
		t.Errorf("Eval(count * 2) = %v (%T), %v, want 6", v, v, err)
	}

	v, err = e.Eval("ports.slice(1)")
	if err != nil {
		t.Fatalf("Eval(ports.slice(1)): %v", err)
	}
	list, ok := StringList(v)
	if !ok || len(list) != 1 || list[0] != "eth1" {
		t.Errorf("Eval(ports.slice(1)) = %v, want [eth1]", v)
	}
}

func TestEngineEvalErrors(t *testing.T) {
	e := testEngine()

	if _, err := e.Eval("missing"); err == nil {
		t.Error("Eval(missing) = nil error, want reference error")
	}
	if _, err := e.Eval("ports[9]"); !errors.Is(err, ErrUndefined) {
		t.Errorf("Eval(ports[9]) error = %v, want ErrUndefined", err)
	}
}

func TestEngineReplace(t *testing.T) {
	e := testEngine()

	got, err := e.Replace("run ${name} x${count}")
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got != "run router x3" {
		t.Errorf("Replace = %q, want %q", got, "run router x3")
	}

	if got, err := e.Replace("no refs"); err != nil || got != "no refs" {
		t.Errorf("Replace(no refs) = %q, %v", got, err)
	}

	if _, err := e.Replace("${nope}"); err == nil {
		t.Error("Replace(${nope}) = nil error, want failure")
	}
}

func TestEngineResolve(t *testing.T) {
	e := testEngine()

	v, err := e.Resolve("${ports}")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := v.([]any); !ok {
		t.Errorf("Resolve(${ports}) = %T, want the typed list", v)
	}

	v, err = e.Resolve("p${count}")
	if err != nil || v != "p3" {
		t.Errorf("Resolve(p${count}) = %v, %v, want p3", v, err)
	}

	v, err = e.Resolve("db")
	if err != nil || v != "db" {
		t.Errorf("Resolve(db) = %v, %v, want db", v, err)
	}
}

func TestEngineSetOverrides(t *testing.T) {
	e := testEngine()
	e.Set("name", "switch")
	if v, _ := e.Eval("name"); v != "switch" {
		t.Errorf("Eval(name) after Set = %v, want switch", v)
	}
	e.SetAll(map[string]any{"name": "hub", "extra": 1})
	if v, _ := e.Eval("name"); v != "hub" {
		t.Errorf("Eval(name) after SetAll = %v, want hub", v)
	}
	if !e.Defined("extra") {
		t.Error("Defined(extra) = false after SetAll")
	}
}

func TestInnerExpr(t *testing.T) {
	tests := []struct {
		in   string
		expr string
		ok   bool
	}{
		{"${x}", "x", true},
		{"  ${ports[0]} ", "ports[0]", true},
		{"${a}${b}", "", false},
		{"a${b}", "", false},
		{"${a} tail", "", false},
		{"plain", "", false},
	}
	for _, tt := range tests {
		expr, ok := InnerExpr(tt.in)
		if ok != tt.ok || expr != tt.expr {
			t.Errorf("InnerExpr(%q) = %q, %v, want %q, %v", tt.in, expr, ok, tt.expr, tt.ok)
		}
	}
}

func TestStringList(t *testing.T) {
	if got, ok := StringList([]any{"a", 2}); !ok || len(got) != 2 || got[1] != "2" {
		t.Errorf("StringList([]any) = %v, %v", got, ok)
	}
	if got, ok := StringList([]string{"a"}); !ok || got[0] != "a" {
		t.Errorf("StringList([]string) = %v, %v", got, ok)
	}
	if _, ok := StringList("scalar"); ok {
		t.Error("StringList(scalar) = ok, want false")
	}
}
