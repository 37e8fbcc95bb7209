package client

import (
	"strings"
	"unicode/utf8"
)

// Form is one top-level form of a source text.
type Form struct {
	Text   string
	Offset int
	// Line and Column are 1-based.
	Line   int
	Column int
}

// SplitForms returns the top-level forms of src in order. Comments and
// #_ discarded forms are skipped. Unbalanced input is split as far as it
// can be read; a trailing unterminated form runs to the end of src.
func SplitForms(src string) []Form {
	s := &scanner{src: src}
	var forms []Form
	for {
		s.skipBlank()
		if s.eof() {
			return forms
		}
		if strings.HasPrefix(src[s.pos:], "#_") {
			s.pos += 2
			s.skipBlank()
			s.readForm()
			continue
		}
		start := s.pos
		s.readForm()
		line, column := lineColumn(src, start)
		forms = append(forms, Form{
			Text:   src[start:s.pos],
			Offset: start,
			Line:   line,
			Column: column,
		})
	}
}

func lineColumn(src string, offset int) (line, column int) {
	before := src[:offset]
	line = strings.Count(before, "\n") + 1
	if i := strings.LastIndexByte(before, '\n'); i >= 0 {
		before = before[i+1:]
	}
	return line, utf8.RuneCountInString(before) + 1
}

// Unterminated reports whether src ends inside a collection or a string,
// so that more input is needed before it can be submitted.
func Unterminated(src string) bool {
	s := &scanner{src: src}
	for {
		s.skipBlank()
		if s.eof() {
			return s.open
		}
		s.readForm()
	}
}

type scanner struct {
	src  string
	pos  int
	open bool
}

func (s *scanner) eof() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() byte {
	if s.eof() {
		return 0
	}
	return s.src[s.pos]
}

func (s *scanner) skipBlank() {
	for !s.eof() {
		switch c := s.src[s.pos]; {
		case c == ';':
			for !s.eof() && s.src[s.pos] != '\n' {
				s.pos++
			}
		case c == ',' || isSpace(c):
			s.pos++
		default:
			return
		}
	}
}

func (s *scanner) readForm() {
	if s.eof() {
		return
	}
	switch c := s.src[s.pos]; c {
	case '(':
		s.readColl(')')
	case '[':
		s.readColl(']')
	case '{':
		s.readColl('}')
	case ')', ']', '}':
		// stray closer, consumed on its own
		s.pos++
	case '"':
		s.readString()
	case '\\':
		s.readChar()
	case '\'', '`', '@':
		s.pos++
		s.skipBlank()
		s.readForm()
	case '~':
		s.pos++
		if s.peek() == '@' {
			s.pos++
		}
		s.skipBlank()
		s.readForm()
	case '^':
		s.readMeta()
	case '#':
		s.readDispatch()
	default:
		s.readToken()
	}
}

func (s *scanner) readMeta() {
	s.pos++
	s.skipBlank()
	s.readForm()
	s.skipBlank()
	s.readForm()
}

func (s *scanner) readDispatch() {
	s.pos++
	switch s.peek() {
	case '(':
		s.readColl(')')
	case '{':
		s.readColl('}')
	case '"':
		s.readString()
	case '_', '\'':
		s.pos++
		s.skipBlank()
		s.readForm()
	case '?':
		s.pos++
		if s.peek() == '@' {
			s.pos++
		}
		s.skipBlank()
		s.readForm()
	case '^':
		s.readMeta()
	case '#':
		s.readToken()
	default:
		// tagged literal or namespaced map: #inst "..." / #:ns{...}
		s.readToken()
		s.skipBlank()
		s.readForm()
	}
}

func (s *scanner) readColl(closer byte) {
	s.pos++
	for {
		s.skipBlank()
		if s.eof() {
			s.open = true
			return
		}
		switch c := s.src[s.pos]; {
		case c == closer:
			s.pos++
			return
		case c == ')' || c == ']' || c == '}':
			// mismatched closer ends the collection
			s.pos++
			return
		}
		s.readForm()
	}
}

func (s *scanner) readString() {
	s.pos++
	for !s.eof() {
		c := s.src[s.pos]
		if c == '\\' {
			s.pos += 2
			continue
		}
		s.pos++
		if c == '"' {
			return
		}
	}
	s.pos = len(s.src)
	s.open = true
}

func (s *scanner) readChar() {
	s.pos++
	if s.eof() {
		return
	}
	_, size := utf8.DecodeRuneInString(s.src[s.pos:])
	s.pos += size
	for !s.eof() && !isDelimiter(s.src[s.pos]) {
		s.pos++
	}
}

func (s *scanner) readToken() {
	start := s.pos
	for !s.eof() && !isDelimiter(s.src[s.pos]) {
		s.pos++
	}
	if s.pos == start && !s.eof() {
		s.pos++
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isDelimiter(c byte) bool {
	switch c {
	case ',', '(', ')', '[', ']', '{', '}', '"', ';':
		return true
	}
	return isSpace(c)
}
