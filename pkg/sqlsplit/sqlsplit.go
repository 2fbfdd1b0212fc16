// Package sqlsplit splits raw SQL script text into individual
// executable statements.
//
// The splitter understands just enough SQL lexing to find statement
// boundaries: semicolons inside single- or double-quoted literals never
// terminate a statement, and comments (-- to end of line, balanced
// /* ... */ blocks) are stripped before splitting. It does not parse or
// validate SQL.
package sqlsplit

import "strings"

type state int

const (
	stateNormal state = iota
	stateSingleQuote
	stateDoubleQuote
	stateLineComment
	stateBlockComment
)

// Split returns the ordered statements contained in text. Comments are
// removed, statements are trimmed, and empty fragments are discarded. A
// script containing only comments and whitespace yields no statements.
// Split is a pure function of its input.
func Split(text string) []string {
	var statements []string
	var cur strings.Builder

	st := stateNormal
	blockDepth := 0

	flush := func() {
		stmt := strings.TrimSpace(cur.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		cur.Reset()
	}

	for i := 0; i < len(text); i++ {
		ch := text[i]
		var next byte
		if i+1 < len(text) {
			next = text[i+1]
		}

		switch st {
		case stateLineComment:
			if ch == '\n' {
				st = stateNormal
				cur.WriteByte(ch)
			}

		case stateBlockComment:
			// Block comments nest, as in PostgreSQL.
			switch {
			case ch == '/' && next == '*':
				blockDepth++
				i++
			case ch == '*' && next == '/':
				blockDepth--
				i++
				if blockDepth == 0 {
					st = stateNormal
					// The comment may be the only separator between two
					// tokens, so it is replaced by a space rather than
					// removed outright.
					cur.WriteByte(' ')
				}
			}

		case stateSingleQuote:
			cur.WriteByte(ch)
			if ch == '\'' {
				// A doubled quote is an escaped quote: the state
				// machine sees it as close-then-reopen, which keeps
				// the terminator scan correct either way.
				st = stateNormal
			}

		case stateDoubleQuote:
			cur.WriteByte(ch)
			if ch == '"' {
				st = stateNormal
			}

		default: // stateNormal
			switch {
			case ch == '-' && next == '-':
				st = stateLineComment
				i++
			case ch == '/' && next == '*':
				st = stateBlockComment
				blockDepth = 1
				i++
			case ch == '\'':
				st = stateSingleQuote
				cur.WriteByte(ch)
			case ch == '"':
				st = stateDoubleQuote
				cur.WriteByte(ch)
			case ch == ';':
				flush()
			default:
				cur.WriteByte(ch)
			}
		}
	}

	// Text after the last terminator is still a statement.
	flush()

	return statements
}
