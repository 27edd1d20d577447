package ini

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxIncludeDepth bounds #include nesting so a runaway chain cannot
// exhaust the stack.
const maxIncludeDepth = 8

// srcLine carries original file/line provenance through preprocessing so
// parse errors point at the file the author typed, not the flattened
// stream.
type srcLine struct {
	file string
	num  int
	text string
}

type condFrame struct {
	keep     bool
	taken    bool
	seenElse bool
}

type preprocessor struct {
	flags    map[string]bool
	defines  map[string][]string
	visiting map[string]bool
	depth    int
	out      []srcLine
}

func newPreprocessor(flags []string) *preprocessor {
	pp := &preprocessor{
		flags:    make(map[string]bool),
		defines:  make(map[string][]string),
		visiting: make(map[string]bool),
	}
	for _, f := range flags {
		pp.flags[f] = true
	}
	return pp
}

func (pp *preprocessor) processFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	if abs, aerr := filepath.Abs(path); aerr == nil {
		pp.visiting[abs] = true
		defer delete(pp.visiting, abs)
	}
	return pp.processData(path, decodeText(data))
}

func (pp *preprocessor) processData(file string, data []byte) error {
	var stack []condFrame
	lines := strings.Split(string(data), "\n")
	for i, raw := range lines {
		num := i + 1
		trimmed := strings.TrimSpace(stripComment(strings.TrimRight(raw, "\r")))
		if strings.HasPrefix(trimmed, "#") {
			if err := pp.directive(file, num, trimmed, &stack); err != nil {
				return err
			}
			continue
		}
		if trimmed == "" || !allKeeping(stack) {
			continue
		}
		pp.out = append(pp.out, srcLine{file: file, num: num, text: trimmed})
	}
	if len(stack) != 0 {
		return errAt(file, len(lines), ErrUnterminatedIf)
	}
	return nil
}

func (pp *preprocessor) directive(file string, num int, line string, stack *[]condFrame) error {
	word := line
	rest := ""
	if idx := strings.IndexAny(line, " \t"); idx >= 0 {
		word, rest = line[:idx], strings.TrimSpace(line[idx+1:])
	}
	active := allKeeping(*stack)
	switch word {
	case "#if":
		if rest == "" {
			return errAtf(file, num, ErrBadEntry, "#if needs a flag name")
		}
		*stack = append(*stack, condFrame{keep: pp.flags[rest], taken: pp.flags[rest]})
	case "#else":
		if len(*stack) == 0 {
			return errAtf(file, num, ErrBadEntry, "#else without #if")
		}
		top := &(*stack)[len(*stack)-1]
		if top.seenElse {
			return errAtf(file, num, ErrBadEntry, "duplicate #else")
		}
		top.seenElse = true
		top.keep = !top.taken
	case "#endif":
		if len(*stack) == 0 {
			return errAtf(file, num, ErrBadEntry, "#endif without #if")
		}
		*stack = (*stack)[:len(*stack)-1]
	case "#set":
		if !active {
			return nil
		}
		if rest == "" {
			return errAtf(file, num, ErrBadEntry, "#set needs a flag name")
		}
		pp.flags[rest] = true
	case "#unset":
		if !active {
			return nil
		}
		if rest == "" {
			return errAtf(file, num, ErrBadEntry, "#unset needs a flag name")
		}
		delete(pp.flags, rest)
	case "#define":
		if !active {
			return nil
		}
		name, list, ok := strings.Cut(rest, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return errAtf(file, num, ErrBadEntry, "#define wants NAME = value list")
		}
		pp.defines[strings.TrimSpace(name)] = splitFields(strings.TrimSpace(list))
	case "#include":
		if !active {
			return nil
		}
		target := unquote(rest)
		if target == "" {
			return errAtf(file, num, ErrBadEntry, "#include needs a path")
		}
		return pp.include(file, num, target)
	default:
		return errAtf(file, num, ErrBadEntry, "unknown directive %q", word)
	}
	return nil
}

func (pp *preprocessor) include(fromFile string, fromLine int, target string) error {
	path := target
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(fromFile), target)
	}
	abs, aerr := filepath.Abs(path)
	if aerr != nil {
		abs = path
	}
	if pp.visiting[abs] {
		return errAtf(fromFile, fromLine, ErrIncludeCycle, "%s", target)
	}
	if pp.depth >= maxIncludeDepth {
		return errAtf(fromFile, fromLine, ErrIncludeDepth, "%s (max %d)", target, maxIncludeDepth)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errAtf(fromFile, fromLine, ErrIncludeNotFound, "%s", target)
	}
	pp.depth++
	pp.visiting[abs] = true
	err = pp.processData(path, decodeText(data))
	delete(pp.visiting, abs)
	pp.depth--
	return err
}

func allKeeping(stack []condFrame) bool {
	for _, f := range stack {
		if !f.keep {
			return false
		}
	}
	return true
}

// stripComment removes a trailing ; comment, leaving semicolons inside
// double quotes alone.
func stripComment(s string) string {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				return s[:i]
			}
		}
	}
	return s
}
