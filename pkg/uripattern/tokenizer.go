package uripattern

import (
	"unicode"
	"unicode/utf8"
)

// Class is the kind of a URI path segment.
type Class int

const (
	Literal Class = iota
	Numeric
	Hex
	UUID
)

// IDLike reports whether segments of this class identify a resource rather
// than name an endpoint.
func (c Class) IDLike() bool {
	return c != Literal
}

func (c Class) String() string {
	switch c {
	case Numeric:
		return "numeric"
	case Hex:
		return "hex"
	case UUID:
		return "uuid"
	default:
		return "literal"
	}
}

const minHexLen = 8

// Classify lexes a single path segment. A segment is id-like only when it
// consists of exactly one numeric, hex or UUID token.
func Classify(segment string) Class {
	if segment == "" {
		return Literal
	}

	l := &lexer{input: segment}
	var tokens []token
	for !l.eof {
		state := lexAny
		for state != nil {
			state = state(l)
		}
		if l.token.value != "" {
			tokens = append(tokens, l.token)
		}
	}

	if len(tokens) != 1 {
		return Literal
	}
	return tokens[0].class
}

type token struct {
	value string
	class Class
}

// lexer is a small state machine over one segment.
type lexer struct {
	input string
	pos   int
	start int
	eof   bool

	// digits and letters seen in the current token
	digits  int
	letters int

	token token
}

type stateFn func(*lexer) stateFn

func (l *lexer) emit(class Class) stateFn {
	l.token = token{value: l.input[l.start:l.pos], class: class}
	l.start = l.pos
	l.digits, l.letters = 0, 0
	return nil
}

func (l *lexer) next() rune {
	if l.pos >= len(l.input) {
		l.eof = true
		return 0
	}

	r, size := utf8.DecodeRuneInString(l.input[l.pos:])
	l.pos += size
	if unicode.IsDigit(r) {
		l.digits++
	} else if unicode.IsLetter(r) {
		l.letters++
	}
	return r
}

func (l *lexer) backup() {
	if !l.eof && l.pos > 0 {
		r, w := utf8.DecodeLastRuneInString(l.input[:l.pos])
		l.pos -= w
		if unicode.IsDigit(r) {
			l.digits--
		} else if unicode.IsLetter(r) {
			l.letters--
		}
	}
}

func lexAny(l *lexer) stateFn {
	l.token = token{}
	r := l.next()
	switch {
	case l.eof:
		return nil
	case r == '%':
		return lexURLEncoded
	case unicode.Is(unicode.Hex_Digit, r):
		return maybeHex
	case unicode.IsLetter(r) || unicode.IsNumber(r):
		return lexAlphaNumeric
	default:
		return l.emit(Literal)
	}
}

// lexURLEncoded consumes an escape such as %2F.
func lexURLEncoded(l *lexer) stateFn {
	r1 := l.next()
	r2 := l.next()
	if !unicode.Is(unicode.Hex_Digit, r1) || !unicode.Is(unicode.Hex_Digit, r2) {
		l.backup()
		l.backup()
	}
	return l.emit(Literal)
}

// maybeHex greedily consumes hex digits and may turn out to be a UUID or a word.
func maybeHex(l *lexer) stateFn {
	for {
		r := l.next()
		if unicode.Is(unicode.Hex_Digit, r) {
			continue
		}
		if r == '-' {
			return lexUUID
		}
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return lexAlphaNumeric
		}
		break
	}
	l.backup()

	switch {
	case l.letters == 0:
		return l.emit(Numeric)
	case l.pos-l.start >= minHexLen && l.digits > 0:
		return l.emit(Hex)
	default:
		return l.emit(Literal)
	}
}

// lexUUID consumes hex and '-' and accepts the canonical 8-4-4-4-12 shape.
func lexUUID(l *lexer) stateFn {
	for {
		r := l.next()
		if unicode.Is(unicode.Hex_Digit, r) || r == '-' {
			continue
		}
		break
	}
	l.backup()

	if isUUID(l.input[l.start:l.pos]) {
		return l.emit(UUID)
	}
	return l.emit(Literal)
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !unicode.Is(unicode.Hex_Digit, r) {
				return false
			}
		}
	}
	return true
}

func lexAlphaNumeric(l *lexer) stateFn {
	for {
		r := l.next()
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			continue
		}
		break
	}
	l.backup()
	return l.emit(Literal)
}
