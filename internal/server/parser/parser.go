// Package parser turns raw IMAP command lines into structured commands
// and resolves sequence sets. The parser never touches I/O; literal
// continuations are the session engine's job.
package parser

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxLineLength is the framing bound; lines longer than this are
	// rejected before they reach the parser.
	MaxLineLength = 8192

	// MaxArguments bounds the argument list of a single command.
	MaxArguments = 100

	// MaxSequenceParts bounds the comma-separated parts of one
	// sequence set.
	MaxSequenceParts = 500
)

// ParseError reports a malformed command line or sequence set. The
// message is sent to the client verbatim in a BAD reply, tagged with
// Tag when the client's tag could still be recovered from the line.
type ParseError struct {
	Tag     string
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

// Command is one parsed client command. RawArgs preserves the argument
// portion of the line verbatim (quoting intact) for handlers that scan
// it themselves; Args holds the unquoted tokens.
type Command struct {
	Tag     string
	Name    string
	RawArgs string
	Args    []string
}

// Parse splits one line into tag, command name and arguments. A blank
// line is normalized to `* NOOP`. The command name is upper-cased; the
// tag is preserved verbatim.
func Parse(line string) (*Command, error) {
	if strings.TrimSpace(line) == "" {
		return &Command{Tag: "*", Name: "NOOP"}, nil
	}

	tokens, offsets, err := tokenize(line)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Tag = recoverTag(line)
		}
		return nil, err
	}
	if len(tokens) < 2 {
		return nil, &ParseError{Tag: recoverTag(line), Message: "Missing command"}
	}
	if len(tokens)-2 > MaxArguments {
		return nil, &ParseError{Tag: tokens[0], Message: "Too many arguments"}
	}

	cmd := &Command{
		Tag:  tokens[0],
		Name: strings.ToUpper(tokens[1]),
		Args: tokens[2:],
	}
	if len(tokens) > 2 {
		cmd.RawArgs = line[offsets[2]:]
	}
	return cmd, nil
}

// recoverTag pulls the client tag out of a line the tokenizer rejected
// so the BAD reply can still be tagged. Only a plain leading token
// qualifies; a quoted or escaped first field is not trusted as a tag.
func recoverTag(line string) string {
	tag, _, _ := strings.Cut(strings.TrimLeft(line, " "), " ")
	if tag == "" || tag == "*" || strings.ContainsAny(tag, "\"\\") {
		return ""
	}
	return tag
}

// tokenize splits on spaces while honoring double-quoted strings with
// backslash escapes. It returns the unquoted tokens and the byte offset
// where each token starts in the original line.
func tokenize(line string) ([]string, []int, error) {
	var tokens []string
	var offsets []int
	var current strings.Builder
	inQuotes := false
	escaped := false
	start := -1

	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			current.WriteByte(ch)
			escaped = false
		case ch == '\\' && inQuotes:
			escaped = true
		case ch == '"':
			inQuotes = !inQuotes
			if start == -1 {
				start = i
			}
		case ch == ' ' && !inQuotes:
			if start != -1 {
				tokens = append(tokens, current.String())
				offsets = append(offsets, start)
				current.Reset()
				start = -1
			}
		default:
			if start == -1 {
				start = i
			}
			current.WriteByte(ch)
		}
	}
	if inQuotes {
		return nil, nil, &ParseError{Message: "Unbalanced quotes"}
	}
	if start != -1 {
		tokens = append(tokens, current.String())
		offsets = append(offsets, start)
	}
	return tokens, offsets, nil
}

// ParseSequenceSet expands a sequence set (`N`, `N:M`, `*`, `N:*`,
// `*:M`, comma-joined) against the given largest value. `*` resolves to
// max, or 1 when the view is empty. Reversed ranges are normalized,
// duplicates removed, insertion order preserved. Range ends are clamped
// to max so a hostile `1:4294967295` cannot force a huge expansion.
func ParseSequenceSet(raw string, max uint32) ([]uint32, error) {
	star := max
	if star == 0 {
		star = 1
	}

	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) > MaxSequenceParts {
		return nil, &ParseError{Message: "Invalid sequence set"}
	}

	seen := make(map[uint32]bool)
	var result []uint32
	add := func(n uint32) {
		if !seen[n] {
			seen[n] = true
			result = append(result, n)
		}
	}

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, &ParseError{Message: "Invalid sequence set"}
		}

		lo, hi, ok := parseSequencePart(part, star)
		if !ok {
			return nil, &ParseError{Message: "Invalid sequence set"}
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi > star {
			hi = star
		}
		for n := lo; n <= hi; n++ {
			add(n)
			if n == hi {
				break
			}
		}
	}
	return result, nil
}

func parseSequencePart(part string, star uint32) (lo, hi uint32, ok bool) {
	if idx := strings.Index(part, ":"); idx != -1 {
		lo, ok = parseSequenceNumber(part[:idx], star)
		if !ok {
			return 0, 0, false
		}
		hi, ok = parseSequenceNumber(part[idx+1:], star)
		if !ok {
			return 0, 0, false
		}
		return lo, hi, true
	}
	lo, ok = parseSequenceNumber(part, star)
	return lo, lo, ok
}

func parseSequenceNumber(token string, star uint32) (uint32, bool) {
	if token == "*" {
		return star, true
	}
	n, err := strconv.ParseUint(token, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

// FirstArgRest splits rawArgs into its first token and the remainder,
// used by commands like FETCH whose second "argument" is a free-form
// item list.
func FirstArgRest(rawArgs string) (first, rest string) {
	rawArgs = strings.TrimSpace(rawArgs)
	idx := strings.Index(rawArgs, " ")
	if idx == -1 {
		return rawArgs, ""
	}
	return rawArgs[:idx], strings.TrimSpace(rawArgs[idx+1:])
}

// String renders the command for logging.
func (c *Command) String() string {
	return fmt.Sprintf("%s %s %s", c.Tag, c.Name, c.RawArgs)
}
