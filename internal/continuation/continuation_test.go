package continuation

import "testing"

func TestSuspend(t *testing.T) {
	c := Suspend[string]()
	if !c.Suspended() {
		t.Error("Suspend should report suspended")
	}
	if c.Resolved() {
		t.Error("Suspend should not report resolved")
	}
	if _, ok := c.Value(); ok {
		t.Error("Value of a suspended continuation should not be ok")
	}
}

func TestResolve(t *testing.T) {
	c := Resolve(42)
	if c.Suspended() {
		t.Error("Resolve should not report suspended")
	}
	v, ok := c.Value()
	if !ok || v != 42 {
		t.Errorf("Value = %d, %v; want 42, true", v, ok)
	}
}

func TestZeroValueIsSuspended(t *testing.T) {
	var c Continuation[int]
	if !c.Suspended() {
		t.Error("zero value should be suspended")
	}
}
