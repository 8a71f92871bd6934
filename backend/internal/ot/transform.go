package ot

// Pairwise transformation rules. transformPair derives the bottom two sides
// of the OT diamond for two primitives based on the same document state:
// as applies after b, bs applies after a. Results are scripts because an
// insert landing inside a concurrent delete splits the delete in two.
//
// All tie-breaks depend only on op content (tie keys), never on argument
// order, so every participant computes the same result whichever side it
// transforms first.
func transformPair(a, b Op, aTie, bTie string) (as, bs []Op, conflict bool) {
	if a.Kind == KindReplace || b.Kind == KindReplace {
		return transformReplace(a, b, aTie, bTie)
	}

	switch a.Kind {
	case KindInsert:
		switch b.Kind {
		case KindInsert:
			if a.Pos < b.Pos || (a.Pos == b.Pos && aTie < bTie) {
				return []Op{a}, []Op{{Kind: KindInsert, Pos: b.Pos + runeLen(a.Text), Text: b.Text}}, false
			}
			return []Op{{Kind: KindInsert, Pos: a.Pos + runeLen(b.Text), Text: a.Text}}, []Op{b}, false

		case KindDelete:
			switch {
			case a.Pos <= b.Pos:
				// Insert before the deleted range: delete shifts right.
				return []Op{a}, []Op{{Kind: KindDelete, Pos: b.Pos + runeLen(a.Text), Len: b.Len}}, false
			case a.Pos >= b.Pos+b.Len:
				// Insert after the deleted range: insert shifts left.
				return []Op{{Kind: KindInsert, Pos: a.Pos - b.Len, Text: a.Text}}, []Op{b}, false
			default:
				// Insert inside the deleted range: the insertion survives and
				// the delete is split around it.
				return []Op{{Kind: KindInsert, Pos: b.Pos, Text: a.Text}},
					[]Op{
						{Kind: KindDelete, Pos: b.Pos, Len: a.Pos - b.Pos},
						{Kind: KindDelete, Pos: b.Pos + runeLen(a.Text), Len: b.Pos + b.Len - a.Pos},
					}, false
			}
		}

	case KindDelete:
		switch b.Kind {
		case KindInsert:
			bs, as, conflict = transformPair(b, a, bTie, aTie)
			return as, bs, conflict

		case KindDelete:
			aEnd, bEnd := a.Pos+a.Len, b.Pos+b.Len
			switch {
			case aEnd <= b.Pos:
				return []Op{a}, []Op{{Kind: KindDelete, Pos: b.Pos - a.Len, Len: b.Len}}, false
			case bEnd <= a.Pos:
				return []Op{{Kind: KindDelete, Pos: a.Pos - b.Len, Len: a.Len}}, []Op{b}, false
			default:
				// Overlapping ranges: each side shrinks by the overlapped
				// span. A delete fully contained in the other becomes a noop.
				overlap := minInt(aEnd, bEnd) - maxInt(a.Pos, b.Pos)
				pos := minInt(a.Pos, b.Pos)
				return []Op{{Kind: KindDelete, Pos: pos, Len: a.Len - overlap}},
					[]Op{{Kind: KindDelete, Pos: pos, Len: b.Len - overlap}}, false
			}
		}
	}
	return []Op{a}, []Op{b}, false
}

// transformReplace handles every pairing that involves a whole-field replace.
// Two concurrent replaces are a conflict resolved deterministically by tie
// key (lower key wins). Against an insert or delete, the replace composes as
// delete(whole)+insert(whole): the concurrent insert lands inside the deleted
// span and survives next to the new text, while a concurrent delete removes
// only runes the replace was discarding anyway.
func transformReplace(a, b Op, aTie, bTie string) (as, bs []Op, conflict bool) {
	if a.Kind == KindReplace && b.Kind == KindReplace {
		if aTie < bTie {
			return []Op{{Kind: KindReplace, OldLen: runeLen(b.Text), Text: a.Text}}, nil, true
		}
		return nil, []Op{{Kind: KindReplace, OldLen: runeLen(a.Text), Text: b.Text}}, true
	}
	if a.Kind == KindReplace {
		return transformScripts(decomposeReplace(a), []Op{b}, aTie, bTie)
	}
	// b is the replace; mirror.
	bsOut, asOut, c := transformScripts(decomposeReplace(b), []Op{a}, bTie, aTie)
	return asOut, bsOut, c
}

// decomposeReplace expands a whole-field replace into the delete+insert pair
// it is equivalent to, so the primitive rules above can transform it.
func decomposeReplace(r Op) []Op {
	ops := make([]Op, 0, 2)
	if r.OldLen > 0 {
		ops = append(ops, Op{Kind: KindDelete, Pos: 0, Len: r.OldLen})
	}
	if r.Text != "" {
		ops = append(ops, Op{Kind: KindInsert, Pos: 0, Text: r.Text})
	}
	return ops
}

// transformScripts transforms two edit scripts based on the same document
// state into a' (valid after b) and b' (valid after a). Ops within a script
// are sequential: each is positioned relative to the document after its
// predecessors, which the head/tail decomposition below preserves.
func transformScripts(a, b []Op, aTie, bTie string) (ap, bp []Op, conflict bool) {
	if len(a) == 0 || len(b) == 0 {
		return a, b, false
	}
	if len(a) == 1 && len(b) == 1 {
		return transformPair(a[0], b[0], aTie, bTie)
	}
	if len(a) == 1 {
		a1, bHead, c1 := transformScripts(a, b[:1], aTie, bTie)
		a2, bTail, c2 := transformScripts(a1, b[1:], aTie, bTie)
		return a2, append(bHead, bTail...), c1 || c2
	}
	aHead, b1, c1 := transformScripts(a[:1], b, aTie, bTie)
	aTail, b2, c2 := transformScripts(a[1:], b1, aTie, bTie)
	return append(aHead, aTail...), b2, c1 || c2
}

// TransformPair rewrites two operations based on the same revision so that
// each applies after the other: a' after b, b' after a. Operations touching
// different entities or fields are independent and pass through unchanged.
// The conflict flag marks a replace/replace collision that was auto-resolved;
// it is informational, never an error.
func TransformPair(a, b Operation) (Operation, Operation, bool) {
	if a.EntityType != b.EntityType || a.EntityID != b.EntityID || a.Field != b.Field {
		return a, b, false
	}
	ap, bp, conflict := transformScripts(a.Ops, b.Ops, a.tieKey(), b.tieKey())
	a.Ops = ap
	b.Ops = bp
	return a, b, conflict
}

// Transform rewrites a to apply after b has already been applied.
func Transform(a, b Operation) (Operation, bool) {
	ap, _, conflict := TransformPair(a, b)
	return ap, conflict
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
