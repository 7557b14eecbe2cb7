package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/collabd/internal/doc"
	"github.com/adred-codev/collabd/internal/protocol"
)

func toPatch(t *testing.T, op EditOp) protocol.Patch {
	t.Helper()
	switch op.Type {
	case protocol.OpInsert:
		return protocol.InsertPatch(op.Pos, op.Text)
	case protocol.OpDelete:
		return protocol.DeletePatch(op.Pos, op.Len)
	case protocol.OpReplace:
		return protocol.ReplacePatch(op.Pos, op.Len, op.Text)
	}
	t.Fatalf("unexpected edit type %q", op.Type)
	return protocol.Patch{}
}

func TestDiffEdit(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
		want EditOp
	}{
		{"insert middle", "hd", "held", EditOp{Type: "INSERT", Pos: 1, Text: "el"}},
		{"append", "ab", "abc", EditOp{Type: "INSERT", Pos: 2, Text: "c"}},
		{"prepend", "bc", "abc", EditOp{Type: "INSERT", Pos: 0, Text: "a"}},
		{"insert into empty", "", "hi", EditOp{Type: "INSERT", Pos: 0, Text: "hi"}},
		{"delete middle", "hello", "hllo", EditOp{Type: "DELETE", Pos: 1, Len: 1}},
		{"delete all", "hi", "", EditOp{Type: "DELETE", Pos: 0, Len: 2}},
		{"replace middle", "hello world", "hello there", EditOp{Type: "REPLACE", Pos: 6, Len: 5, Text: "there"}},
		{"replace all", "abc", "xyz", EditOp{Type: "REPLACE", Pos: 0, Len: 3, Text: "xyz"}},
		{"repeated rune grow", "aa", "aaa", EditOp{Type: "INSERT", Pos: 2, Text: "a"}},
		{"repeated rune shrink", "aaa", "aa", EditOp{Type: "DELETE", Pos: 2, Len: 1}},
		{"multi-byte positions", "日本語", "日本話語", EditOp{Type: "INSERT", Pos: 2, Text: "話"}},
		{"multi-byte replace", "héllo", "héllö", EditOp{Type: "REPLACE", Pos: 4, Len: 1, Text: "ö"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			op, ok := DiffEdit(tc.old, tc.new)
			require.True(t, ok)
			assert.Equal(t, tc.want, op)

			// The op must transform old into new when applied.
			got, err := doc.ApplyPatch(tc.old, toPatch(t, op))
			require.NoError(t, err)
			assert.Equal(t, tc.new, got)
		})
	}
}

func TestDiffEditEqualStrings(t *testing.T) {
	_, ok := DiffEdit("", "")
	assert.False(t, ok)

	_, ok = DiffEdit("same", "same")
	assert.False(t, ok)
}

func TestEditRejectsUnknownType(t *testing.T) {
	c := &Client{}
	err := c.Edit("doc", 0, EditOp{Type: "WIGGLE"})
	assert.ErrorContains(t, err, "unknown edit type")
}
