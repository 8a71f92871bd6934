package ot

// Edits arrive from callers as whole-field old/new value pairs. Diff reduces
// a pair to a minimal script via longest-common-prefix/suffix trimming: at
// most one delete followed by one insert at the same position.
//
// When the two values share almost nothing (pasted or rewritten content) the
// positional script carries no useful intent, so Diff falls back to a single
// whole-field replace. The fallback requires both values to be reasonably
// long; short fields always diff cleanly.
const (
	minCommonRunes   = 4
	minFallbackRunes = 16
)

// Diff derives the edit script that turns old into new.
func Diff(old, new string) []Op {
	if old == new {
		return nil
	}
	or, nr := []rune(old), []rune(new)

	prefix := 0
	for prefix < len(or) && prefix < len(nr) && or[prefix] == nr[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(or)-prefix && suffix < len(nr)-prefix &&
		or[len(or)-1-suffix] == nr[len(nr)-1-suffix] {
		suffix++
	}

	if prefix+suffix < minCommonRunes && len(or) >= minFallbackRunes && len(nr) >= minFallbackRunes {
		return []Op{{Kind: KindReplace, OldLen: len(or), Text: new}}
	}

	deleted := len(or) - prefix - suffix
	inserted := string(nr[prefix : len(nr)-suffix])

	var ops []Op
	if deleted > 0 {
		ops = append(ops, Op{Kind: KindDelete, Pos: prefix, Len: deleted})
	}
	if inserted != "" {
		ops = append(ops, Op{Kind: KindInsert, Pos: prefix, Text: inserted})
	}
	return ops
}
