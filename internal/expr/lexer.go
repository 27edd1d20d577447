package expr

import "fmt"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokLParen
	tokRParen
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokAmp
	tokPipe
	tokCaret
	tokAmpAmp
	tokPipePipe
	tokEq
	tokNeq
	tokLt
	tokLe
	tokGt
	tokGe
	tokBang
	tokTilde
	tokQuestion
	tokColon
	tokInvalid
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	s string
	i int
}

var singleTokens = map[byte]tokenKind{
	'(': tokLParen, ')': tokRParen,
	'+': tokPlus, '-': tokMinus, '*': tokStar, '/': tokSlash, '%': tokPercent,
	'&': tokAmp, '|': tokPipe, '^': tokCaret,
	'<': tokLt, '>': tokGt, '!': tokBang, '~': tokTilde,
	'?': tokQuestion, ':': tokColon,
}

func (l *lexer) peek() token {
	save := l.i
	tok := l.next()
	l.i = save
	return tok
}

func (l *lexer) next() token {
	for l.i < len(l.s) && (l.s[l.i] == ' ' || l.s[l.i] == '\t' || l.s[l.i] == '\r' || l.s[l.i] == '\n') {
		l.i++
	}
	if l.i >= len(l.s) {
		return token{kind: tokEOF, pos: l.i}
	}
	pos := l.i
	ch := l.s[l.i]
	switch {
	case isDigit(ch):
		return l.lexNumber(pos)
	case ch == '_' || isAlpha(ch):
		for l.i < len(l.s) && (l.s[l.i] == '_' || isAlpha(l.s[l.i]) || isDigit(l.s[l.i])) {
			l.i++
		}
		return token{kind: tokIdent, text: l.s[pos:l.i], pos: pos}
	case ch == '"':
		l.i++
		start := l.i
		for l.i < len(l.s) && l.s[l.i] != '"' {
			l.i++
		}
		if l.i >= len(l.s) {
			return token{kind: tokInvalid, text: l.s[pos:], pos: pos}
		}
		text := l.s[start:l.i]
		l.i++
		return token{kind: tokString, text: text, pos: pos}
	}
	if l.i+1 < len(l.s) {
		var kind tokenKind
		switch l.s[l.i : l.i+2] {
		case "&&":
			kind = tokAmpAmp
		case "||":
			kind = tokPipePipe
		case "==":
			kind = tokEq
		case "!=":
			kind = tokNeq
		case "<=":
			kind = tokLe
		case ">=":
			kind = tokGe
		}
		if kind != tokEOF {
			text := l.s[l.i : l.i+2]
			l.i += 2
			return token{kind: kind, text: text, pos: pos}
		}
	}
	if kind, ok := singleTokens[ch]; ok {
		l.i++
		return token{kind: kind, text: string(ch), pos: pos}
	}
	l.i++
	return token{kind: tokInvalid, text: string(ch), pos: pos}
}

func (l *lexer) lexNumber(pos int) token {
	if l.i+1 < len(l.s) && l.s[l.i] == '0' && (l.s[l.i+1] == 'x' || l.s[l.i+1] == 'X') {
		l.i += 2
		for l.i < len(l.s) && isHex(l.s[l.i]) {
			l.i++
		}
		return token{kind: tokNumber, text: l.s[pos:l.i], pos: pos}
	}
	for l.i < len(l.s) && isDigit(l.s[l.i]) {
		l.i++
	}
	if l.i < len(l.s) && l.s[l.i] == '.' {
		l.i++
		for l.i < len(l.s) && isDigit(l.s[l.i]) {
			l.i++
		}
	}
	return token{kind: tokNumber, text: l.s[pos:l.i], pos: pos}
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isAlpha(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isHex(ch byte) bool {
	return isDigit(ch) || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

func (k tokenKind) String() string {
	names := map[tokenKind]string{
		tokEOF: "end of expression", tokNumber: "number", tokString: "string",
		tokIdent: "identifier",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("token(%d)", int(k))
}
