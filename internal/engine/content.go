package engine

import (
	"fmt"
	"strings"

	"concord/engine/internal/op"
)

// Text content mutation. Positions are historical addresses: applying
// an operation never renumbers the positions stored in earlier log
// entries.

// insertText splices text into a line. With clamp set (remote
// operations), an offset beyond the current line length lands at the
// line end: a concurrent delete may have shortened the line since the
// position was recorded, and order tolerance requires both replicas to
// settle on the same result.
func insertText(lines []string, pos op.Position, text string, clamp bool) ([]string, error) {
	line, err := textLine(lines, pos)
	if err != nil {
		return nil, err
	}
	target := lines[line]
	offset := pos.Offset
	if offset < 0 || offset > len(target) {
		if !clamp {
			return nil, errInvalidOperation(fmt.Sprintf("offset %d out of range for line %d (len %d)", offset, line, len(target)))
		}
		if offset < 0 {
			offset = 0
		} else {
			offset = len(target)
		}
	}

	head := target[:offset]
	tail := target[offset:]
	segments := strings.Split(text, "\n")

	out := make([]string, 0, len(lines)+len(segments)-1)
	out = append(out, lines[:line]...)
	if len(segments) == 1 {
		out = append(out, head+text+tail)
	} else {
		out = append(out, head+segments[0])
		out = append(out, segments[1:len(segments)-1]...)
		out = append(out, segments[len(segments)-1]+tail)
	}
	out = append(out, lines[line+1:]...)
	return out, nil
}

func deleteText(lines []string, pos op.Position, length int, clamp bool) ([]string, error) {
	line, err := textLine(lines, pos)
	if err != nil {
		return nil, err
	}
	target := lines[line]
	offset := pos.Offset
	if offset < 0 || offset > len(target) {
		if !clamp {
			return nil, errInvalidOperation(fmt.Sprintf("offset %d out of range for line %d (len %d)", offset, line, len(target)))
		}
		if offset < 0 {
			offset = 0
		} else {
			offset = len(target)
		}
	}

	end := offset + length
	if end > len(target) {
		end = len(target)
	}
	out := append([]string(nil), lines...)
	out[line] = target[:offset] + target[end:]
	return out, nil
}

func textLine(lines []string, pos op.Position) (int, error) {
	if len(pos.Path) == 0 {
		return 0, errInvalidOperation("text position requires a line index path")
	}
	step := pos.Path[0]
	if step.IsKey {
		return 0, errInvalidOperation("text position path must be a line index")
	}
	if step.Index < 0 || step.Index >= len(lines) {
		return 0, errInvalidOperation(fmt.Sprintf("line index %d out of range (%d lines)", step.Index, len(lines)))
	}
	return step.Index, nil
}

// Structured content mutation for json/design documents. Containers are
// map[string]any and []any as produced by JSON decoding; helpers return
// the (possibly replaced) node so root-level slices splice correctly.

func setValueAt(node any, path op.Path, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	step := path[0]
	switch container := node.(type) {
	case map[string]any:
		if !step.IsKey {
			return nil, errInvalidOperation("numeric path step into an object")
		}
		child, ok := container[step.Key]
		if !ok && len(path) > 1 {
			return nil, errInvalidOperation("path key " + step.Key + " not found")
		}
		updated, err := setValueAt(child, path[1:], value)
		if err != nil {
			return nil, err
		}
		container[step.Key] = updated
		return container, nil
	case []any:
		if step.IsKey {
			return nil, errInvalidOperation("string path step into an array")
		}
		if step.Index < 0 || step.Index >= len(container) {
			return nil, errInvalidOperation(fmt.Sprintf("index %d out of range (%d elements)", step.Index, len(container)))
		}
		updated, err := setValueAt(container[step.Index], path[1:], value)
		if err != nil {
			return nil, err
		}
		container[step.Index] = updated
		return container, nil
	default:
		return nil, errInvalidOperation("path descends into a scalar value")
	}
}

func removeValueAt(node any, path op.Path) (any, any, error) {
	if len(path) == 0 {
		return nil, nil, errInvalidOperation("remove requires a non-empty path")
	}
	step := path[0]
	switch container := node.(type) {
	case map[string]any:
		if !step.IsKey {
			return nil, nil, errInvalidOperation("numeric path step into an object")
		}
		child, ok := container[step.Key]
		if !ok {
			return nil, nil, errInvalidOperation("path key " + step.Key + " not found")
		}
		if len(path) == 1 {
			delete(container, step.Key)
			return container, child, nil
		}
		updated, removed, err := removeValueAt(child, path[1:])
		if err != nil {
			return nil, nil, err
		}
		container[step.Key] = updated
		return container, removed, nil
	case []any:
		if step.IsKey {
			return nil, nil, errInvalidOperation("string path step into an array")
		}
		if step.Index < 0 || step.Index >= len(container) {
			return nil, nil, errInvalidOperation(fmt.Sprintf("index %d out of range (%d elements)", step.Index, len(container)))
		}
		if len(path) == 1 {
			removed := container[step.Index]
			out := append(append([]any(nil), container[:step.Index]...), container[step.Index+1:]...)
			return out, removed, nil
		}
		updated, removed, err := removeValueAt(container[step.Index], path[1:])
		if err != nil {
			return nil, nil, err
		}
		container[step.Index] = updated
		return container, removed, nil
	default:
		return nil, nil, errInvalidOperation("path descends into a scalar value")
	}
}

// insertValueAt places value at the addressed slot: appended into an
// array at the index (which may equal the length), or set under an
// object key.
func insertValueAt(node any, path op.Path, value any) (any, error) {
	if len(path) == 0 {
		return nil, errInvalidOperation("insert requires a non-empty path")
	}
	step := path[0]
	switch container := node.(type) {
	case map[string]any:
		if !step.IsKey {
			return nil, errInvalidOperation("numeric path step into an object")
		}
		if len(path) == 1 {
			container[step.Key] = value
			return container, nil
		}
		child, ok := container[step.Key]
		if !ok {
			return nil, errInvalidOperation("path key " + step.Key + " not found")
		}
		updated, err := insertValueAt(child, path[1:], value)
		if err != nil {
			return nil, err
		}
		container[step.Key] = updated
		return container, nil
	case []any:
		if step.IsKey {
			return nil, errInvalidOperation("string path step into an array")
		}
		if len(path) == 1 {
			if step.Index < 0 || step.Index > len(container) {
				return nil, errInvalidOperation(fmt.Sprintf("insert index %d out of range (%d elements)", step.Index, len(container)))
			}
			out := make([]any, 0, len(container)+1)
			out = append(out, container[:step.Index]...)
			out = append(out, value)
			out = append(out, container[step.Index:]...)
			return out, nil
		}
		if step.Index < 0 || step.Index >= len(container) {
			return nil, errInvalidOperation(fmt.Sprintf("index %d out of range (%d elements)", step.Index, len(container)))
		}
		updated, err := insertValueAt(container[step.Index], path[1:], value)
		if err != nil {
			return nil, err
		}
		container[step.Index] = updated
		return container, nil
	default:
		return nil, errInvalidOperation("path descends into a scalar value")
	}
}

// validatePosition checks that a position addresses existing content,
// without mutating anything. Used before any mutation is attempted.
func validatePosition(doc *Document, pos op.Position) error {
	if doc.Kind.textual() {
		line, err := textLine(doc.lines(), pos)
		if err != nil {
			return err
		}
		if pos.Offset < 0 || pos.Offset > len(doc.lines()[line]) {
			return errInvalidOperation(fmt.Sprintf("offset %d out of range for line %d", pos.Offset, line))
		}
		return nil
	}
	if len(pos.Path) == 0 {
		return nil // root address
	}
	return walkPath(doc.Content, pos.Path)
}

func walkPath(node any, path op.Path) error {
	if len(path) == 0 {
		return nil
	}
	step := path[0]
	switch container := node.(type) {
	case map[string]any:
		if !step.IsKey {
			return errInvalidOperation("numeric path step into an object")
		}
		child, ok := container[step.Key]
		if !ok {
			return errInvalidOperation("path key " + step.Key + " not found")
		}
		return walkPath(child, path[1:])
	case []any:
		if step.IsKey {
			return errInvalidOperation("string path step into an array")
		}
		if step.Index < 0 || step.Index >= len(container) {
			return errInvalidOperation(fmt.Sprintf("index %d out of range (%d elements)", step.Index, len(container)))
		}
		return walkPath(container[step.Index], path[1:])
	default:
		return errInvalidOperation("path descends into a scalar value")
	}
}
