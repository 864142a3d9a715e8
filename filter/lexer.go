package filter

import "fmt"

type tokenType int

const (
	tokenIdent tokenType = iota
	tokenString
	tokenNumber
	tokenOperator
	tokenLParen
	tokenRParen
	tokenComma
	tokenEOF
	tokenIllegal
)

type token struct {
	typ     tokenType
	literal string
	pos     int
}

type lexer struct {
	input        string
	position     int
	readPosition int
	ch           byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
}

func (l *lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *lexer) nextToken() token {
	l.skipWhitespace()

	pos := l.position
	switch l.ch {
	case 0:
		return token{typ: tokenEOF, pos: pos}
	case '(':
		l.readChar()
		return token{typ: tokenLParen, literal: "(", pos: pos}
	case ')':
		l.readChar()
		return token{typ: tokenRParen, literal: ")", pos: pos}
	case ',':
		l.readChar()
		return token{typ: tokenComma, literal: ",", pos: pos}
	case '=':
		l.readChar()
		if l.ch == '=' {
			l.readChar()
		}
		return token{typ: tokenOperator, literal: "=", pos: pos}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			l.readChar()
			return token{typ: tokenOperator, literal: "!=", pos: pos}
		}
		l.readChar()
		return token{typ: tokenIllegal, literal: "!", pos: pos}
	case '<':
		l.readChar()
		switch l.ch {
		case '=':
			l.readChar()
			return token{typ: tokenOperator, literal: "<=", pos: pos}
		case '>':
			l.readChar()
			return token{typ: tokenOperator, literal: "!=", pos: pos}
		}
		return token{typ: tokenOperator, literal: "<", pos: pos}
	case '>':
		l.readChar()
		if l.ch == '=' {
			l.readChar()
			return token{typ: tokenOperator, literal: ">=", pos: pos}
		}
		return token{typ: tokenOperator, literal: ">", pos: pos}
	case '\'', '"':
		return l.readString(l.ch)
	}

	if isLetter(l.ch) {
		return token{typ: tokenIdent, literal: l.readIdentifier(), pos: pos}
	}
	if isDigit(l.ch) || (l.ch == '-' && isDigit(l.peekChar())) {
		return token{typ: tokenNumber, literal: l.readNumber(), pos: pos}
	}

	ch := l.ch
	l.readChar()
	return token{typ: tokenIllegal, literal: string(ch), pos: pos}
}

func (l *lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *lexer) readIdentifier() string {
	pos := l.position
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	return l.input[pos:l.position]
}

func (l *lexer) readNumber() string {
	pos := l.position
	if l.ch == '-' {
		l.readChar()
	}
	for isDigit(l.ch) || l.ch == '.' {
		l.readChar()
	}
	return l.input[pos:l.position]
}

func (l *lexer) readString(quote byte) token {
	pos := l.position
	l.readChar()
	start := l.position
	for l.ch != quote && l.ch != 0 {
		l.readChar()
	}
	if l.ch == 0 {
		return token{typ: tokenIllegal, literal: fmt.Sprintf("unterminated string at %d", pos), pos: pos}
	}
	lit := l.input[start:l.position]
	l.readChar()
	return token{typ: tokenString, literal: lit, pos: pos}
}

func isLetter(ch byte) bool {
	return 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || ch == '_'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
