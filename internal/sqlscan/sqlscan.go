// Package sqlscan is a small T-SQL lexer shared by the validator and the formatter.
//
// It is not a parser. It splits text into tokens with byte spans and parenthesis
// depth so callers can recognize a bounded set of statement shapes: an optional
// leading CTE list followed by a single SELECT. Lexing never fails; unterminated
// strings, identifiers and comments simply run to the end of the input.
package sqlscan

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind classifies a token.
type Kind int

const (
	Whitespace Kind = iota
	Comment
	Word        // bare identifier or keyword
	QuotedIdent // [name] or "name"
	Number
	String // 'text' or N'text'
	Variable
	Punct
)

func (k Kind) String() string {
	switch k {
	case Whitespace:
		return "whitespace"
	case Comment:
		return "comment"
	case Word:
		return "word"
	case QuotedIdent:
		return "quoted_ident"
	case Number:
		return "number"
	case String:
		return "string"
	case Variable:
		return "variable"
	case Punct:
		return "punct"
	default:
		return "unknown"
	}
}

// Token is a lexed span of the source text. Start and End are byte offsets
// (End exclusive). Depth is the parenthesis nesting level the token sits at;
// an opening and its closing parenthesis share the depth of their surroundings.
type Token struct {
	Kind  Kind
	Text  string
	Start int
	End   int
	Depth int
}

// Is reports whether t is the bare word w, case-insensitively.
func (t Token) Is(w string) bool {
	return t.Kind == Word && strings.EqualFold(t.Text, w)
}

// IsPunct reports whether t is the punctuation character p.
func (t Token) IsPunct(p string) bool {
	return t.Kind == Punct && t.Text == p
}

// Lex splits sql into tokens, including whitespace and comments.
func Lex(sql string) []Token {
	var tokens []Token
	depth := 0
	i := 0
	for i < len(sql) {
		start := i
		r, size := utf8.DecodeRuneInString(sql[i:])
		var kind Kind

		switch {
		case unicode.IsSpace(r):
			kind = Whitespace
			i += size
			for i < len(sql) {
				r2, s2 := utf8.DecodeRuneInString(sql[i:])
				if !unicode.IsSpace(r2) {
					break
				}
				i += s2
			}

		case strings.HasPrefix(sql[i:], "--"):
			kind = Comment
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				i = len(sql)
			} else {
				i += end
			}

		case strings.HasPrefix(sql[i:], "/*"):
			kind = Comment
			i = skipBlockComment(sql, i)

		case r == '\'':
			kind = String
			i = skipQuoted(sql, i+1, '\'')

		case (r == 'N' || r == 'n') && i+1 < len(sql) && sql[i+1] == '\'':
			kind = String
			i = skipQuoted(sql, i+2, '\'')

		case r == '[':
			kind = QuotedIdent
			i = skipQuoted(sql, i+1, ']')

		case r == '"':
			kind = QuotedIdent
			i = skipQuoted(sql, i+1, '"')

		case r == '@':
			kind = Variable
			i++
			if i < len(sql) && sql[i] == '@' {
				i++
			}
			i = skipWord(sql, i)

		case isDigit(r) || (r == '.' && i+1 < len(sql) && isDigit(rune(sql[i+1]))):
			kind = Number
			i = skipNumber(sql, i)

		case isWordStart(r):
			kind = Word
			i = skipWord(sql, i+size)

		default:
			kind = Punct
			i += size
		}

		tok := Token{Kind: kind, Text: sql[start:i], Start: start, End: i, Depth: depth}
		if kind == Punct {
			switch tok.Text {
			case "(":
				depth++
			case ")":
				if depth > 0 {
					depth--
				}
				tok.Depth = depth
			}
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// Significant lexes sql and drops whitespace and comments.
func Significant(sql string) []Token {
	all := Lex(sql)
	out := make([]Token, 0, len(all))
	for _, t := range all {
		if t.Kind == Whitespace || t.Kind == Comment {
			continue
		}
		out = append(out, t)
	}
	return out
}

// StripComments replaces every comment in sql with a single space.
func StripComments(sql string) string {
	var sb strings.Builder
	for _, t := range Lex(sql) {
		if t.Kind == Comment {
			sb.WriteByte(' ')
			continue
		}
		sb.WriteString(t.Text)
	}
	return sb.String()
}

// MatchParen returns the index of the ")" closing the "(" at toks[i], or -1.
func MatchParen(toks []Token, i int) int {
	if i < 0 || i >= len(toks) || !toks[i].IsPunct("(") {
		return -1
	}
	depth := toks[i].Depth
	for j := i + 1; j < len(toks); j++ {
		if toks[j].IsPunct(")") && toks[j].Depth == depth {
			return j
		}
	}
	return -1
}

// SkipCTE expects toks[i] to be WITH and skips the whole CTE list
// (name [(columns)] AS (body) [, ...]). It returns the index of the first
// token after the list. ok is false when the list is malformed.
func SkipCTE(toks []Token, i int) (next int, ok bool) {
	if i >= len(toks) || !toks[i].Is("WITH") {
		return i, false
	}
	i++
	for {
		if i >= len(toks) || (toks[i].Kind != Word && toks[i].Kind != QuotedIdent) {
			return i, false
		}
		i++
		if i < len(toks) && toks[i].IsPunct("(") {
			end := MatchParen(toks, i)
			if end < 0 {
				return i, false
			}
			i = end + 1
		}
		if i >= len(toks) || !toks[i].Is("AS") {
			return i, false
		}
		i++
		end := MatchParen(toks, i)
		if end < 0 {
			return i, false
		}
		i = end + 1
		if i < len(toks) && toks[i].IsPunct(",") {
			i++
			continue
		}
		return i, true
	}
}

// PrimarySelect returns the index within toks (significant tokens) of the
// outermost SELECT keyword, skipping leading semicolons and a CTE list.
// Returns -1 when the statement does not have that shape.
func PrimarySelect(toks []Token) int {
	i := 0
	for i < len(toks) && toks[i].IsPunct(";") {
		i++
	}
	if i < len(toks) && toks[i].Is("WITH") {
		next, ok := SkipCTE(toks, i)
		if !ok {
			return -1
		}
		i = next
	}
	if i < len(toks) && toks[i].Is("SELECT") && toks[i].Depth == 0 {
		return i
	}
	return -1
}

func skipBlockComment(sql string, i int) int {
	nest := 0
	for i < len(sql) {
		switch {
		case strings.HasPrefix(sql[i:], "/*"):
			nest++
			i += 2
		case strings.HasPrefix(sql[i:], "*/"):
			nest--
			i += 2
			if nest == 0 {
				return i
			}
		default:
			i++
		}
	}
	return len(sql)
}

// skipQuoted scans from i (just past the opening quote) to just past the
// closing quote. A doubled closing quote is an escape.
func skipQuoted(sql string, i int, closing byte) int {
	for i < len(sql) {
		if sql[i] == closing {
			if i+1 < len(sql) && sql[i+1] == closing {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(sql)
}

func skipWord(sql string, i int) int {
	for i < len(sql) {
		r, size := utf8.DecodeRuneInString(sql[i:])
		if !isWordPart(r) {
			break
		}
		i += size
	}
	return i
}

func skipNumber(sql string, i int) int {
	if strings.HasPrefix(sql[i:], "0x") || strings.HasPrefix(sql[i:], "0X") {
		i += 2
		for i < len(sql) && isHex(sql[i]) {
			i++
		}
		return i
	}
	for i < len(sql) && (isDigit(rune(sql[i])) || sql[i] == '.') {
		i++
	}
	if i < len(sql) && (sql[i] == 'e' || sql[i] == 'E') {
		j := i + 1
		if j < len(sql) && (sql[j] == '+' || sql[j] == '-') {
			j++
		}
		if j < len(sql) && isDigit(rune(sql[j])) {
			i = j
			for i < len(sql) && isDigit(rune(sql[i])) {
				i++
			}
		}
	}
	return i
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isHex(b byte) bool {
	return isDigit(rune(b)) || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func isWordStart(r rune) bool {
	return r == '_' || r == '#' || unicode.IsLetter(r)
}

func isWordPart(r rune) bool {
	return r == '_' || r == '#' || r == '$' || r == '@' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
