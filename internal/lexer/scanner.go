package lexer

import (
	"fmt"
	"unicode"
)

type TokenType string

const (
	// Keywords
	TokenFun TokenType = "FUN"

	// Literals
	TokenIdent  TokenType = "IDENT"
	TokenNumber TokenType = "NUMBER"

	// Symbols
	TokenLParen      TokenType = "("
	TokenRParen      TokenType = ")"
	TokenPlus        TokenType = "+"
	TokenMinus       TokenType = "-"
	TokenStar        TokenType = "*"
	TokenSlash       TokenType = "/"
	TokenPercent     TokenType = "%"
	TokenPipe        TokenType = "|"
	TokenAmp         TokenType = "&"
	TokenCaret       TokenType = "^"
	TokenTilde       TokenType = "~"
	TokenNot         TokenType = "!"
	TokenQuestion    TokenType = "?"
	TokenColon       TokenType = ":"
	TokenEqual       TokenType = "="
	TokenDoubleEqual TokenType = "=="
	TokenNotEqual    TokenType = "!="
	TokenLT          TokenType = "<"
	TokenGT          TokenType = ">"
	TokenLE          TokenType = "<="
	TokenGE          TokenType = ">="
	TokenIllegal     TokenType = "ILLEGAL"
	TokenEOF         TokenType = "EOF"
)

type Token struct {
	Type   TokenType
	Lexeme string
	Column int // 1-based
}

func (t Token) String() string {
	return fmt.Sprintf("[%s] '%s'", t.Type, t.Lexeme)
}

type Scanner struct {
	source  string
	tokens  []Token
	start   int
	current int
}

func NewScanner(source string) *Scanner {
	return &Scanner{source: source}
}

func (s *Scanner) ScanTokens() []Token {
	for !s.isAtEnd() {
		s.sanitize()
		s.start = s.current
		if s.isAtEnd() {
			break
		}
		s.scanToken()
	}
	s.tokens = append(s.tokens, Token{Type: TokenEOF, Lexeme: "", Column: s.current + 1})
	return s.tokens
}

func (s *Scanner) scanToken() {
	c := s.advance()
	switch c {
	case '(':
		s.addToken(TokenLParen)
	case ')':
		s.addToken(TokenRParen)
	case '+':
		s.addToken(TokenPlus)
	case '-':
		s.addToken(TokenMinus)
	case '*':
		s.addToken(TokenStar)
	case '/':
		s.addToken(TokenSlash)
	case '%':
		s.addToken(TokenPercent)
	case '|':
		s.addToken(TokenPipe)
	case '&':
		s.addToken(TokenAmp)
	case '^':
		s.addToken(TokenCaret)
	case '~':
		s.addToken(TokenTilde)
	case '?':
		s.addToken(TokenQuestion)
	case ':':
		s.addToken(TokenColon)
	case '=':
		if s.match('=') {
			s.addToken(TokenDoubleEqual)
		} else {
			s.addToken(TokenEqual)
		}
	case '!':
		if s.match('=') {
			s.addToken(TokenNotEqual)
		} else {
			s.addToken(TokenNot)
		}
	case '<':
		if s.match('=') {
			s.addToken(TokenLE)
		} else {
			s.addToken(TokenLT)
		}
	case '>':
		if s.match('=') {
			s.addToken(TokenGE)
		} else {
			s.addToken(TokenGT)
		}
	case '#':
		// Comment to end of line
		for s.peek() != '\n' && !s.isAtEnd() {
			s.advance()
		}
	default:
		if isDigit(c) {
			s.number()
		} else if isAlpha(c) {
			s.identifier()
		} else {
			s.addToken(TokenIllegal)
		}
	}
}

func (s *Scanner) match(expected byte) bool {
	if s.isAtEnd() || s.source[s.current] != expected {
		return false
	}
	s.current++
	return true
}

func (s *Scanner) identifier() {
	for isAlphaNumeric(s.peek()) {
		s.advance()
	}
	switch s.source[s.start:s.current] {
	case "fun":
		s.addToken(TokenFun)
	default:
		s.addToken(TokenIdent)
	}
}

func (s *Scanner) number() {
	for isDigit(s.peek()) {
		s.advance()
	}
	// "12abc" is one bad token, not a number followed by a name
	if isAlpha(s.peek()) {
		for isAlphaNumeric(s.peek()) {
			s.advance()
		}
		s.addToken(TokenIllegal)
		return
	}
	s.addToken(TokenNumber)
}

func (s *Scanner) addToken(t TokenType) {
	text := s.source[s.start:s.current]
	s.tokens = append(s.tokens, Token{Type: t, Lexeme: text, Column: s.start + 1})
}

func (s *Scanner) advance() byte {
	s.current++
	return s.source[s.current-1]
}

func (s *Scanner) peek() byte {
	if s.isAtEnd() {
		return '\000'
	}
	return s.source[s.current]
}

func (s *Scanner) isAtEnd() bool {
	return s.current >= len(s.source)
}

func (s *Scanner) sanitize() {
	for !s.isAtEnd() && unicode.IsSpace(rune(s.peek())) {
		s.advance()
	}
}

func isAlpha(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || c == '_'
}

func isAlphaNumeric(c byte) bool {
	return isAlpha(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}
