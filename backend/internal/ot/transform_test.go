package ot

import "testing"

func mkOp(author, correlation string, ops ...Op) Operation {
	return Operation{
		EntityType:    "task",
		EntityID:      "t-1",
		Field:         "description",
		Ops:           ops,
		AuthorID:      author,
		CorrelationID: correlation,
	}
}

func mustApply(t *testing.T, content string, op Operation) string {
	t.Helper()
	out, err := ApplyOps(content, op.Ops)
	if err != nil {
		t.Fatalf("ApplyOps(%q, %+v) error = %v", content, op.Ops, err)
	}
	return out
}

// checkConverge verifies the diamond property: applying a then b-rebased
// gives the same content as applying b then a-rebased.
func checkConverge(t *testing.T, doc string, a, b Operation) string {
	t.Helper()
	ap, bp, _ := TransformPair(a, b)
	left := mustApply(t, mustApply(t, doc, a), bp)
	right := mustApply(t, mustApply(t, doc, b), ap)
	if left != right {
		t.Fatalf("diverged: a-then-b' = %q, b-then-a' = %q (a=%+v b=%+v)", left, right, a.Ops, b.Ops)
	}
	return left
}

func TestTransform_ConcurrentInsertsSamePosition(t *testing.T) {
	// Two users hit offset 5 of "Hello" at the same base revision. The
	// lexically lower author applies first on every client.
	a := mkOp("alice", "c1", Op{Kind: KindInsert, Pos: 5, Text: " World"})
	b := mkOp("bob", "c2", Op{Kind: KindInsert, Pos: 5, Text: "!"})

	got := checkConverge(t, "Hello", a, b)
	if got != "Hello World!" {
		t.Fatalf("converged to %q, want %q", got, "Hello World!")
	}

	// Same pair transformed in the opposite order converges identically.
	got2 := checkConverge(t, "Hello", b, a)
	if got2 != got {
		t.Fatalf("order-dependent result: %q vs %q", got2, got)
	}
}

func TestTransform_InsertVsInsertDistinctPositions(t *testing.T) {
	a := mkOp("alice", "c1", Op{Kind: KindInsert, Pos: 0, Text: ">> "})
	b := mkOp("bob", "c2", Op{Kind: KindInsert, Pos: 5, Text: "!"})
	if got := checkConverge(t, "Hello", a, b); got != ">> Hello!" {
		t.Fatalf("converged to %q, want %q", got, ">> Hello!")
	}
}

func TestTransform_InsertInsideDelete(t *testing.T) {
	// "abcdef": alice deletes "bcde", bob inserts "XY" inside the range.
	// The insertion survives; the delete splits around it.
	a := mkOp("alice", "c1", Op{Kind: KindDelete, Pos: 1, Len: 4})
	b := mkOp("bob", "c2", Op{Kind: KindInsert, Pos: 3, Text: "XY"})
	if got := checkConverge(t, "abcdef", a, b); got != "aXYf" {
		t.Fatalf("converged to %q, want %q", got, "aXYf")
	}
}

func TestTransform_InsertBeforeAndAfterDelete(t *testing.T) {
	del := mkOp("alice", "c1", Op{Kind: KindDelete, Pos: 2, Len: 2})

	before := mkOp("bob", "c2", Op{Kind: KindInsert, Pos: 0, Text: "Q"})
	if got := checkConverge(t, "abcdef", del, before); got != "Qabef" {
		t.Fatalf("insert-before converged to %q, want %q", got, "Qabef")
	}

	after := mkOp("bob", "c3", Op{Kind: KindInsert, Pos: 5, Text: "Q"})
	if got := checkConverge(t, "abcdef", del, after); got != "abeQf" {
		t.Fatalf("insert-after converged to %q, want %q", got, "abeQf")
	}
}

func TestTransform_DeleteVsDeleteOverlap(t *testing.T) {
	a := mkOp("alice", "c1", Op{Kind: KindDelete, Pos: 1, Len: 3}) // "bcd"
	b := mkOp("bob", "c2", Op{Kind: KindDelete, Pos: 2, Len: 3})  // "cde"
	if got := checkConverge(t, "abcdef", a, b); got != "af" {
		t.Fatalf("converged to %q, want %q", got, "af")
	}
}

func TestTransform_DeleteContainedBecomesNoop(t *testing.T) {
	inner := mkOp("alice", "c1", Op{Kind: KindDelete, Pos: 2, Len: 2}) // "cd"
	outer := mkOp("bob", "c2", Op{Kind: KindDelete, Pos: 1, Len: 4})  // "bcde"

	ap, _, _ := TransformPair(inner, outer)
	if len(ap.Ops) != 1 || ap.Ops[0].Len != 0 {
		t.Fatalf("contained delete should shrink to a noop, got %+v", ap.Ops)
	}
	if got := checkConverge(t, "abcdef", inner, outer); got != "af" {
		t.Fatalf("converged to %q, want %q", got, "af")
	}
}

func TestTransform_DisjointDeletes(t *testing.T) {
	a := mkOp("alice", "c1", Op{Kind: KindDelete, Pos: 0, Len: 2})
	b := mkOp("bob", "c2", Op{Kind: KindDelete, Pos: 4, Len: 2})
	if got := checkConverge(t, "abcdef", a, b); got != "cd" {
		t.Fatalf("converged to %q, want %q", got, "cd")
	}
}

func TestTransform_ReplaceVsReplaceDeterministic(t *testing.T) {
	a := mkOp("alice", "c1", Op{Kind: KindReplace, OldLen: 5, Text: "from alice"})
	b := mkOp("bob", "c2", Op{Kind: KindReplace, OldLen: 5, Text: "from bob"})

	_, _, conflict := TransformPair(a, b)
	if !conflict {
		t.Fatalf("replace/replace should flag a conflict")
	}

	// Lower author wins on every client, whichever order the pair is seen.
	if got := checkConverge(t, "Hello", a, b); got != "from alice" {
		t.Fatalf("converged to %q, want %q", got, "from alice")
	}
	if got := checkConverge(t, "Hello", b, a); got != "from alice" {
		t.Fatalf("converged to %q, want %q", got, "from alice")
	}
}

func TestTransform_ReplacePreservesConcurrentInsert(t *testing.T) {
	// A whole-field replace composes as delete(whole)+insert(whole), so a
	// concurrent insert survives next to the new text instead of vanishing.
	repl := mkOp("alice", "c1", Op{Kind: KindReplace, OldLen: 5, Text: "rewritten"})
	ins := mkOp("bob", "c2", Op{Kind: KindInsert, Pos: 5, Text: "!"})

	_, _, conflict := TransformPair(repl, ins)
	if conflict {
		t.Fatalf("replace vs insert should not flag a conflict")
	}
	if got := checkConverge(t, "Hello", repl, ins); got != "rewritten!" {
		t.Fatalf("converged to %q, want %q", got, "rewritten!")
	}
	if got := checkConverge(t, "Hello", ins, repl); got != "rewritten!" {
		t.Fatalf("order-dependent result: %q, want %q", got, "rewritten!")
	}

	// The surviving insert lands on the tie-break side of the new text.
	first := mkOp("aaron", "c3", Op{Kind: KindInsert, Pos: 5, Text: "!"})
	if got := checkConverge(t, "Hello", repl, first); got != "!rewritten" {
		t.Fatalf("converged to %q, want %q", got, "!rewritten")
	}
}

func TestTransform_ReplaceAbsorbsConcurrentDelete(t *testing.T) {
	// The concurrent delete only removes runes the replace discards anyway.
	repl := mkOp("alice", "c1", Op{Kind: KindReplace, OldLen: 5, Text: "rewritten"})
	del := mkOp("bob", "c3", Op{Kind: KindDelete, Pos: 0, Len: 2})
	if got := checkConverge(t, "Hello", repl, del); got != "rewritten" {
		t.Fatalf("converged to %q, want %q", got, "rewritten")
	}
}

func TestTransform_CompoundScripts(t *testing.T) {
	// A delete+insert script (the shape Diff produces) against a concurrent
	// insert elsewhere in the field.
	a := mkOp("alice", "c1",
		Op{Kind: KindDelete, Pos: 0, Len: 5},
		Op{Kind: KindInsert, Pos: 0, Text: "Howdy"},
	)
	b := mkOp("bob", "c2", Op{Kind: KindInsert, Pos: 11, Text: "!"})
	if got := checkConverge(t, "Hello World", a, b); got != "Howdy World!" {
		t.Fatalf("converged to %q, want %q", got, "Howdy World!")
	}
}

func TestTransform_DifferentFieldsPassThrough(t *testing.T) {
	a := mkOp("alice", "c1", Op{Kind: KindInsert, Pos: 0, Text: "x"})
	b := mkOp("bob", "c2", Op{Kind: KindInsert, Pos: 0, Text: "y"})
	b.Field = "title"

	ap, bp, conflict := TransformPair(a, b)
	if conflict {
		t.Fatalf("cross-field pair should not conflict")
	}
	if ap.Ops[0] != a.Ops[0] || bp.Ops[0] != b.Ops[0] {
		t.Fatalf("cross-field ops must pass through unchanged: %+v / %+v", ap.Ops, bp.Ops)
	}
}

func TestApply_Bounds(t *testing.T) {
	if _, err := Apply("abc", Op{Kind: KindInsert, Pos: 4, Text: "x"}); err == nil {
		t.Fatalf("insert past end should fail")
	}
	if _, err := Apply("abc", Op{Kind: KindDelete, Pos: 2, Len: 5}); err == nil {
		t.Fatalf("delete past end should fail")
	}
	if _, err := Apply("abc", Op{Kind: KindReplace, OldLen: 2, Text: "x"}); err == nil {
		t.Fatalf("replace with stale length should fail")
	}
}

func TestApply_RuneOffsets(t *testing.T) {
	got, err := Apply("héllo", Op{Kind: KindInsert, Pos: 5, Text: "!"})
	if err != nil {
		t.Fatalf("Apply error = %v", err)
	}
	if got != "héllo!" {
		t.Fatalf("Apply = %q, want %q", got, "héllo!")
	}
}
