// internal/parser/parser.go
package parser

import (
	"fmt"
	"strconv"

	"calcjit/internal/ast"
	"calcjit/internal/errors"
	"calcjit/internal/lexer"
)

// Binary operator precedence, lowest first. Assignment and ?: sit below
// all of these and are parsed separately (both are right-associative).
var precedence = map[lexer.TokenType]int{
	lexer.TokenPipe:        1, // |
	lexer.TokenCaret:       2, // ^
	lexer.TokenAmp:         3, // &
	lexer.TokenDoubleEqual: 4, // ==
	lexer.TokenNotEqual:    4, // !=
	lexer.TokenLT:          5, // <
	lexer.TokenGT:          5, // >
	lexer.TokenLE:          5, // <=
	lexer.TokenGE:          5, // >=
	lexer.TokenPlus:        6, // +
	lexer.TokenMinus:       6, // -
	lexer.TokenStar:        7, // *
	lexer.TokenSlash:       7, // /
	lexer.TokenPercent:     7, // %
}

var binaryOps = map[lexer.TokenType]ast.Op{
	lexer.TokenPipe:        ast.Or,
	lexer.TokenCaret:       ast.Xor,
	lexer.TokenAmp:         ast.And,
	lexer.TokenDoubleEqual: ast.Eq,
	lexer.TokenNotEqual:    ast.Ne,
	lexer.TokenLT:          ast.Lt,
	lexer.TokenGT:          ast.Gt,
	lexer.TokenLE:          ast.Le,
	lexer.TokenGE:          ast.Ge,
	lexer.TokenPlus:        ast.Add,
	lexer.TokenMinus:       ast.Sub,
	lexer.TokenStar:        ast.Mul,
	lexer.TokenSlash:       ast.Div,
	lexer.TokenPercent:     ast.Mod,
}

type Parser struct {
	tokens  []lexer.Token
	current int
	source  string
}

func NewParser(tokens []lexer.Token, source string) *Parser {
	return &Parser{
		tokens: tokens,
		source: source,
	}
}

// Parse scans and parses one statement. It returns a *ast.Function for a
// definition, an ast.Expr otherwise, and (nil, nil) for a blank line.
func Parse(line string) (ast.Node, error) {
	tokens := lexer.NewScanner(line).ScanTokens()
	return NewParser(tokens, line).Parse()
}

func (p *Parser) Parse() (node ast.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(*errors.CalcError)
			if !ok {
				panic(r)
			}
			node, err = nil, ce
		}
	}()

	if p.isAtEnd() {
		return nil, nil
	}

	if p.match(lexer.TokenFun) || p.isDefinition() {
		node = p.function()
	} else {
		node = p.expression()
	}
	if !p.isAtEnd() {
		p.fail(p.peek(), "unexpected '%s' after statement", p.peek().Lexeme)
	}
	return node, nil
}

// isDefinition spots "name(param) = ..." without the fun keyword.
func (p *Parser) isDefinition() bool {
	want := []lexer.TokenType{lexer.TokenIdent, lexer.TokenLParen, lexer.TokenIdent, lexer.TokenRParen, lexer.TokenEqual}
	if p.current+len(want) > len(p.tokens) {
		return false
	}
	for i, t := range want {
		if p.tokens[p.current+i].Type != t {
			return false
		}
	}
	return true
}

func (p *Parser) function() *ast.Function {
	name := p.consume(lexer.TokenIdent, "Expect function name")
	p.consume(lexer.TokenLParen, "Expect '(' after function name")
	param := p.consume(lexer.TokenIdent, "Expect parameter name")
	p.consume(lexer.TokenRParen, "Expect ')' after parameter")
	p.consume(lexer.TokenEqual, "Expect '=' before function body")
	body := p.expression()
	return &ast.Function{Name: name.Lexeme, Param: param.Lexeme, Body: body}
}

func (p *Parser) expression() ast.Expr {
	return p.assignment()
}

func (p *Parser) assignment() ast.Expr {
	if p.check(lexer.TokenIdent) && p.checkNext(lexer.TokenEqual) {
		name := p.advance()
		p.advance() // '='
		value := p.assignment()
		return p.operator(name, ast.Assign, &ast.Name{Ident: name.Lexeme}, value)
	}
	return p.ternary()
}

func (p *Parser) ternary() ast.Expr {
	cond := p.parseBinary(1)
	if !p.match(lexer.TokenQuestion) {
		return cond
	}
	tok := p.previous()
	ifTrue := p.assignment()
	p.consume(lexer.TokenColon, "Expect ':' in conditional expression")
	ifFalse := p.assignment()
	return p.operator(tok, ast.Ternary, cond, ifTrue, ifFalse)
}

func (p *Parser) parseBinary(minPrec int) ast.Expr {
	left := p.unary()
	for {
		tok := p.peek()
		prec, ok := precedence[tok.Type]
		if !ok || prec < minPrec {
			break
		}
		p.advance()
		right := p.parseBinary(prec + 1)
		left = p.operator(tok, binaryOps[tok.Type], left, right)
	}
	return left
}

func (p *Parser) unary() ast.Expr {
	var op ast.Op
	switch {
	case p.match(lexer.TokenNot):
		op = ast.Not
	case p.match(lexer.TokenTilde):
		op = ast.BitNot
	case p.match(lexer.TokenMinus):
		op = ast.Neg
	default:
		return p.primary()
	}
	tok := p.previous()
	return p.operator(tok, op, p.unary())
}

func (p *Parser) primary() ast.Expr {
	if p.isAtEnd() {
		p.fail(p.peek(), "unexpected end of input")
	}
	tok := p.advance()
	switch tok.Type {
	case lexer.TokenNumber:
		// Literals cover the full 32-bit pattern; 4294967295 is -1.
		v, err := strconv.ParseUint(tok.Lexeme, 10, 32)
		if err != nil {
			p.fail(tok, "number %s does not fit in 32 bits", tok.Lexeme)
		}
		return &ast.Number{Value: int32(uint32(v))}
	case lexer.TokenIdent:
		if p.match(lexer.TokenLParen) {
			arg := p.expression()
			p.consume(lexer.TokenRParen, "Expect ')' after argument")
			return p.operator(tok, ast.Call, &ast.Name{Ident: tok.Lexeme}, arg)
		}
		return &ast.Name{Ident: tok.Lexeme}
	case lexer.TokenLParen:
		expr := p.expression()
		p.consume(lexer.TokenRParen, "Expect ')' after expression")
		return expr
	case lexer.TokenIllegal:
		p.fail(tok, "unexpected character '%s'", tok.Lexeme)
	}
	p.fail(tok, "Expect expression (got '%s')", tok.Lexeme)
	return nil
}

func (p *Parser) operator(at lexer.Token, op ast.Op, args ...ast.Expr) ast.Expr {
	o, err := ast.NewOperator(op, args...)
	if err != nil {
		p.fail(at, "%v", err)
	}
	return o
}

// --- Utility methods ---

func (p *Parser) fail(tok lexer.Token, format string, args ...interface{}) {
	panic(errors.NewSyntaxError(fmt.Sprintf(format, args...), tok.Column).WithSource(p.source))
}

func (p *Parser) match(t lexer.TokenType) bool {
	if p.check(t) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) consume(t lexer.TokenType, msg string) lexer.Token {
	if p.check(t) {
		return p.advance()
	}
	currentToken := p.peek()
	p.fail(currentToken, "%s (got '%s')", msg, currentToken.Lexeme)
	return currentToken
}

func (p *Parser) check(t lexer.TokenType) bool {
	if p.isAtEnd() {
		return false
	}
	return p.peek().Type == t
}

func (p *Parser) checkNext(t lexer.TokenType) bool {
	if p.current+1 >= len(p.tokens) {
		return false
	}
	return p.tokens[p.current+1].Type == t
}

func (p *Parser) advance() lexer.Token {
	if !p.isAtEnd() {
		p.current++
	}
	return p.tokens[p.current-1]
}

func (p *Parser) previous() lexer.Token {
	return p.tokens[p.current-1]
}

func (p *Parser) peek() lexer.Token {
	return p.tokens[p.current]
}

func (p *Parser) isAtEnd() bool {
	return p.peek().Type == lexer.TokenEOF
}
