package ratelimit

import "testing"

func TestLimiter_AllowThenExhausted(t *testing.T) {
	t.Parallel()

	l := New(3)
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Allow() #%d = false, want true", i)
		}
	}
	if l.Allow() {
		t.Fatal("Allow() after exhausting capacity = true, want false")
	}
}

func TestLimiter_ResetRefills(t *testing.T) {
	t.Parallel()

	l := New(2)
	l.Allow()
	l.Allow()
	if l.Allow() {
		t.Fatal("expected exhaustion before Reset")
	}
	l.Reset()
	if !l.Allow() {
		t.Fatal("Allow() after Reset() = false, want true")
	}
}

func TestPerSource_IndependentKeys(t *testing.T) {
	t.Parallel()

	p := NewPerSource(1, 1000)
	a, ok := p.Get("addr-a")
	if !ok {
		t.Fatal("Get(addr-a) not ok")
	}
	b, ok := p.Get("addr-b")
	if !ok {
		t.Fatal("Get(addr-b) not ok")
	}

	if !a.Allow() {
		t.Fatal("addr-a Allow() #1 = false")
	}
	if a.Allow() {
		t.Fatal("addr-a Allow() #2 = true, want exhausted")
	}
	if !b.Allow() {
		t.Fatal("addr-b should have its own independent budget")
	}
}

func TestPerSource_ResetAll(t *testing.T) {
	t.Parallel()

	p := NewPerSource(1, 1000)
	a, _ := p.Get("addr-a")
	a.Allow()
	if a.Allow() {
		t.Fatal("expected exhaustion")
	}
	p.ResetAll()
	if !a.Allow() {
		t.Fatal("Allow() after ResetAll() = false, want true")
	}
}
