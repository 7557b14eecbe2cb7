package client

import (
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/adred-codev/collabd/internal/protocol"
)

// EditOp is a single-span edit in code-point units, ready to send as one
// protocol operation.
type EditOp struct {
	Type string
	Pos  int
	Len  int
	Text string
}

// DiffEdit reduces the difference between two strings to one edit: trim the
// common prefix and suffix, then classify what remains. An empty removed
// span is an INSERT, an empty inserted span a DELETE, otherwise a REPLACE.
// Returns false when the strings are equal.
func DiffEdit(oldText, newText string) (EditOp, bool) {
	if oldText == newText {
		return EditOp{}, false
	}

	dmp := diffmatchpatch.New()
	prefix := dmp.DiffCommonPrefix(oldText, newText)
	suffix := dmp.DiffCommonSuffix(oldText, newText)

	oldRunes := []rune(oldText)
	newRunes := []rune(newText)
	// Prefix and suffix may overlap on repeated characters; the suffix
	// yields so positions stay within both strings.
	if suffix > len(oldRunes)-prefix {
		suffix = len(oldRunes) - prefix
	}
	if suffix > len(newRunes)-prefix {
		suffix = len(newRunes) - prefix
	}

	removed := len(oldRunes) - prefix - suffix
	inserted := string(newRunes[prefix : len(newRunes)-suffix])

	switch {
	case removed == 0 && inserted == "":
		return EditOp{}, false
	case removed == 0:
		return EditOp{Type: protocol.OpInsert, Pos: prefix, Text: inserted}, true
	case inserted == "":
		return EditOp{Type: protocol.OpDelete, Pos: prefix, Len: removed}, true
	default:
		return EditOp{Type: protocol.OpReplace, Pos: prefix, Len: removed, Text: inserted}, true
	}
}
