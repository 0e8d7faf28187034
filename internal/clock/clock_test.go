package clock

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		name string
		a    VectorClock
		b    VectorClock
		want Ordering
	}{
		{name: "both empty", a: New(), b: New(), want: Equal},
		{name: "identical", a: VectorClock{"n1": 2, "n2": 1}, b: VectorClock{"n1": 2, "n2": 1}, want: Equal},
		{name: "a ahead", a: VectorClock{"n1": 3, "n2": 1}, b: VectorClock{"n1": 2, "n2": 1}, want: Dominates},
		{name: "b ahead", a: VectorClock{"n1": 1}, b: VectorClock{"n1": 2}, want: Dominated},
		{name: "disjoint nodes", a: VectorClock{"n1": 1}, b: VectorClock{"n2": 1}, want: Concurrent},
		{name: "crossed counters", a: VectorClock{"n1": 2, "n2": 1}, b: VectorClock{"n1": 1, "n2": 2}, want: Concurrent},
		{name: "superset domain", a: VectorClock{"n1": 1, "n2": 1}, b: VectorClock{"n1": 1}, want: Dominates},
		{name: "zero entries ignored", a: VectorClock{"n1": 1, "n2": 0}, b: VectorClock{"n1": 1}, want: Equal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compare(tc.a, tc.b); got != tc.want {
				t.Fatalf("Compare(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestTickDoesNotMutateReceiver(t *testing.T) {
	base := VectorClock{"n1": 1}
	ticked := base.Tick("n1")

	if base["n1"] != 1 {
		t.Fatalf("Tick mutated receiver: %v", base)
	}
	if ticked["n1"] != 2 {
		t.Fatalf("ticked clock = %v, want n1=2", ticked)
	}
	if !ticked.Dominates(base) {
		t.Fatalf("expected ticked clock to dominate its base")
	}
}

func TestMergeIsPointwiseMax(t *testing.T) {
	a := VectorClock{"n1": 3, "n2": 1}
	b := VectorClock{"n2": 4, "n3": 2}

	merged := Merged(a, b)
	want := VectorClock{"n1": 3, "n2": 4, "n3": 2}
	for node, counter := range want {
		if merged[node] != counter {
			t.Fatalf("merged[%s] = %d, want %d", node, merged[node], counter)
		}
	}

	// Commutative and idempotent.
	other := Merged(b, a)
	if Compare(merged, other) != Equal {
		t.Fatalf("merge not commutative: %v vs %v", merged, other)
	}
	again := Merged(merged, b)
	if Compare(merged, again) != Equal {
		t.Fatalf("merge not idempotent: %v vs %v", merged, again)
	}
}

func TestCausalDerivationDominates(t *testing.T) {
	// Y derived from a state that included X must dominate X.
	x := New().Tick("n1")
	seen := x.Clone()
	y := seen.Tick("n2")

	if Compare(y, x) != Dominates {
		t.Fatalf("Compare(derived, base) = %v, want Dominates", Compare(y, x))
	}
}
