package collab

import (
	"fmt"
	"strings"

	"taskcollab/backend/internal/ot"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

// piece references a span of either the original or the add buffer.
type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable is a rune-addressed piece table: inserts append to the add
// buffer and splice the piece list, deletes trim or split pieces, so edits
// never copy the field body.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			b.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			b.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return b.String()
}

// Apply applies one committed edit primitive. Positions are rune offsets.
func (pt *PieceTable) Apply(op ot.Op) error {
	switch op.Kind {
	case ot.KindInsert:
		if op.Text == "" {
			return nil
		}
		if op.Pos < 0 || op.Pos > pt.Len() {
			return fmt.Errorf("%w: insert at %d, len %d", ot.ErrOutOfBounds, op.Pos, pt.Len())
		}
		pt.insert(op.Pos, op.Text)
		return nil
	case ot.KindDelete:
		if op.Len == 0 {
			return nil
		}
		if op.Pos < 0 || op.Pos+op.Len > pt.Len() {
			return fmt.Errorf("%w: delete [%d,%d), len %d", ot.ErrOutOfBounds, op.Pos, op.Pos+op.Len, pt.Len())
		}
		pt.deleteRange(op.Pos, op.Len)
		return nil
	case ot.KindReplace:
		if op.OldLen != pt.Len() {
			return fmt.Errorf("%w: replace expects %d runes, field has %d", ot.ErrLengthMismatch, op.OldLen, pt.Len())
		}
		// Whole-field rewrite: start a fresh table.
		*pt = *NewPieceTable(op.Text)
		return nil
	}
	return fmt.Errorf("unknown op kind: %s", op.Kind)
}

func (pt *PieceTable) insert(pos int, text string) {
	r := []rune(text)
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, off := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return
	}

	cur := pt.pieces[idx]
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if off > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset, length: off})
	}
	out = append(out, newPiece)
	if cur.length-off > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset + off, length: cur.length - off})
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
}

func (pt *PieceTable) deleteRange(pos, n int) {
	remain := n
	idx, off := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - off
		if can <= 0 {
			idx++
			off = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if off == 0 && take == cur.length {
			// Whole piece goes; idx now points at the next piece.
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			out := make([]piece, 0, len(pt.pieces)+1)
			out = append(out, pt.pieces[:idx]...)
			if off > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset, length: off})
			}
			if rest := cur.length - off - take; rest > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset + off + take, length: rest})
			}
			out = append(out, pt.pieces[idx+1:]...)
			pt.pieces = out
			if off > 0 {
				idx++
			}
			off = 0
		}
		remain -= take
	}
}

// locate maps a rune position to a piece index and the offset within it.
func (pt *PieceTable) locate(pos int) (idx, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
