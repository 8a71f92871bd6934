package ot

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

// Op is a single edit primitive. Positions and lengths are rune offsets.
type Op struct {
	Kind Kind   `json:"kind"`
	Pos  int    `json:"pos"`              // insert/delete position
	Len  int    `json:"len,omitempty"`    // delete length
	Text string `json:"text,omitempty"`   // insert/replace payload
	// OldLen is the whole-field length a replace expects. Transforms keep it
	// in step with concurrent edits so Apply can verify it.
	OldLen int `json:"oldLen,omitempty"`
}

// Operation is one debounced edit to a single entity field: a minimal edit
// script plus the metadata the authority and peers need to order it.
type Operation struct {
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	Field         string    `json:"field"`
	Ops           []Op      `json:"ops"`
	BaseRevision  uint64    `json:"baseRevision"`
	AuthorID      string    `json:"authorId"`
	ClientTime    time.Time `json:"clientTime"`
	CorrelationID string    `json:"correlationId"`
}

var (
	ErrOutOfBounds    = errors.New("OP_OUT_OF_BOUNDS")
	ErrLengthMismatch = errors.New("REPLACE_LENGTH_MISMATCH")
)

// noop reports whether applying op would leave any document unchanged.
func (op Op) noop() bool {
	switch op.Kind {
	case KindInsert:
		return op.Text == ""
	case KindDelete:
		return op.Len == 0
	}
	return false
}

// tieKey orders same-position concurrent inserts and replace collisions.
// Lexically lower key applies first. AuthorID leads so the documented
// "lower authorId inserts first" rule holds; the correlation id breaks the
// multi-client-same-user case deterministically.
func (o Operation) tieKey() string {
	return o.AuthorID + "\x00" + o.CorrelationID
}

// Apply applies a single primitive to content.
func Apply(content string, op Op) (string, error) {
	r := []rune(content)
	switch op.Kind {
	case KindInsert:
		if op.Pos < 0 || op.Pos > len(r) {
			return "", fmt.Errorf("%w: insert at %d, len %d", ErrOutOfBounds, op.Pos, len(r))
		}
		return string(r[:op.Pos]) + op.Text + string(r[op.Pos:]), nil
	case KindDelete:
		if op.Pos < 0 || op.Pos+op.Len > len(r) {
			return "", fmt.Errorf("%w: delete [%d,%d), len %d", ErrOutOfBounds, op.Pos, op.Pos+op.Len, len(r))
		}
		return string(r[:op.Pos]) + string(r[op.Pos+op.Len:]), nil
	case KindReplace:
		if op.OldLen != len(r) {
			return "", fmt.Errorf("%w: replace expects %d runes, field has %d", ErrLengthMismatch, op.OldLen, len(r))
		}
		return op.Text, nil
	}
	return "", fmt.Errorf("unknown op kind: %s", op.Kind)
}

// ApplyOps applies an edit script in order. Zero-length primitives produced
// by transforms are skipped.
func ApplyOps(content string, ops []Op) (string, error) {
	var err error
	for _, op := range ops {
		if op.noop() {
			continue
		}
		if content, err = Apply(content, op); err != nil {
			return "", err
		}
	}
	return content, nil
}

func runeLen(s string) int {
	return len([]rune(s))
}
