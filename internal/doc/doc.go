// Package doc implements the edit algebra: validating a client edit against
// document content and replaying persisted patches. Positions and lengths
// are measured in Unicode code points, so multi-byte characters count as one.
package doc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adred-codev/collabd/internal/protocol"
)

// ValidationError rejects an edit with the wire error code to report.
type ValidationError struct {
	Code   string
	reason string
}

func (e *ValidationError) Error() string { return e.reason }

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, reason: fmt.Sprintf(format, args...)}
}

// Code extracts the wire error code from an Apply failure.
func Code(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return protocol.CodeServerError
}

// Apply validates the edit described by msg against content and returns the
// updated content plus the canonical patch. msg carries the raw decoded
// request; only op, pos, len and text are consulted. Failures return a
// *ValidationError and leave content untouched.
func Apply(content string, msg map[string]any) (string, protocol.Patch, error) {
	op, _ := msg["op"].(string)
	op = strings.ToUpper(op)
	switch op {
	case protocol.OpInsert, protocol.OpDelete, protocol.OpReplace:
	default:
		return content, protocol.Patch{}, invalid(protocol.CodeInvalidOp, "op must be INSERT, DELETE or REPLACE")
	}

	runes := []rune(content)
	pos := 0
	if v, present := msg["pos"]; present {
		p, ok := protocol.AsInt(v)
		if !ok {
			return content, protocol.Patch{}, invalid(protocol.CodeInvalidRange, "pos must be an integer")
		}
		pos = p
	}
	if pos < 0 || pos > len(runes) {
		return content, protocol.Patch{}, invalid(protocol.CodeInvalidRange, "pos %d out of range 0..%d", pos, len(runes))
	}

	switch op {
	case protocol.OpInsert:
		text, err := textArg(msg)
		if err != nil {
			return content, protocol.Patch{}, err
		}
		updated := string(runes[:pos]) + text + string(runes[pos:])
		return updated, protocol.InsertPatch(pos, text), nil

	case protocol.OpDelete:
		length, err := lengthArg(msg)
		if err != nil {
			return content, protocol.Patch{}, err
		}
		if pos+length > len(runes) {
			return content, protocol.Patch{}, invalid(protocol.CodeInvalidRange, "delete of %d at %d exceeds length %d", length, pos, len(runes))
		}
		updated := string(runes[:pos]) + string(runes[pos+length:])
		return updated, protocol.DeletePatch(pos, length), nil

	default: // REPLACE
		length, err := lengthArg(msg)
		if err != nil {
			return content, protocol.Patch{}, err
		}
		text, err := textArg(msg)
		if err != nil {
			return content, protocol.Patch{}, err
		}
		if pos+length > len(runes) {
			return content, protocol.Patch{}, invalid(protocol.CodeInvalidRange, "replace of %d at %d exceeds length %d", length, pos, len(runes))
		}
		updated := string(runes[:pos]) + text + string(runes[pos+length:])
		return updated, protocol.ReplacePatch(pos, length, text), nil
	}
}

// textArg reads the optional text field; missing means empty string.
func textArg(msg map[string]any) (string, error) {
	v, present := msg["text"]
	if !present {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(protocol.CodeInvalidPayload, "text must be a string")
	}
	return s, nil
}

// lengthArg reads the mandatory len field for DELETE and REPLACE.
func lengthArg(msg map[string]any) (int, error) {
	v, present := msg["len"]
	if !present {
		return 0, invalid(protocol.CodeInvalidRange, "len is required")
	}
	length, ok := protocol.AsInt(v)
	if !ok {
		return 0, invalid(protocol.CodeInvalidRange, "len must be an integer")
	}
	if length < 0 {
		return 0, invalid(protocol.CodeInvalidRange, "len must not be negative")
	}
	return length, nil
}

// ApplyPatch replays one persisted patch against content, enforcing the same
// bounds as live edits. Used during recovery, where failures abort replay.
func ApplyPatch(content string, patch protocol.Patch) (string, error) {
	runes := []rune(content)
	pos := patch.Pos
	if pos < 0 || pos > len(runes) {
		return content, fmt.Errorf("patch position %d out of range 0..%d", pos, len(runes))
	}

	switch strings.ToUpper(patch.Type) {
	case protocol.OpInsert:
		return string(runes[:pos]) + patch.TextValue() + string(runes[pos:]), nil

	case protocol.OpDelete:
		length, err := patchLength(patch)
		if err != nil {
			return content, err
		}
		if pos+length > len(runes) {
			return content, fmt.Errorf("delete patch overflows: %d at %d, length %d", length, pos, len(runes))
		}
		return string(runes[:pos]) + string(runes[pos+length:]), nil

	case protocol.OpReplace:
		length, err := patchLength(patch)
		if err != nil {
			return content, err
		}
		if pos+length > len(runes) {
			return content, fmt.Errorf("replace patch overflows: %d at %d, length %d", length, pos, len(runes))
		}
		return string(runes[:pos]) + patch.TextValue() + string(runes[pos+length:]), nil

	default:
		return content, fmt.Errorf("unsupported patch type %q", patch.Type)
	}
}

func patchLength(patch protocol.Patch) (int, error) {
	if patch.Len == nil {
		return 0, errors.New("patch length missing")
	}
	if *patch.Len < 0 {
		return 0, fmt.Errorf("patch length %d negative", *patch.Len)
	}
	return *patch.Len, nil
}
