package jsonc

import (
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// ErrUnexpectedEOF is wrapped into parse errors that run off the end of input.
var ErrUnexpectedEOF = errors.New("unexpected end of json input")

// ErrSyntax is wrapped into parse errors for malformed tokens.
var ErrSyntax = errors.New("invalid json syntax")

type parser struct {
	data []byte
	pos  int
}

// Parse parses a single JSON document, returning an error if trailing
// non-whitespace bytes remain.
func Parse(data []byte) (*Value, error) {
	p := &parser{data: data}
	p.skipWhitespace()
	v, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	p.skipWhitespace()
	if p.pos != len(p.data) {
		return nil, errors.Wrapf(ErrSyntax, "trailing data at offset %d", p.pos)
	}
	return v, nil
}

func (p *parser) skipWhitespace() {
	for p.pos < len(p.data) {
		switch p.data[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.data) {
		return 0, false
	}
	return p.data[p.pos], true
}

func (p *parser) parseValue() (*Value, error) {
	c, ok := p.peek()
	if !ok {
		return nil, errors.Wrap(ErrUnexpectedEOF, "expected value")
	}

	switch {
	case c == '{':
		return p.parseObject()
	case c == '[':
		return p.parseArray()
	case c == '"':
		s, err := p.parseStringLiteral()
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindString, Str: s}, nil
	case c == 't':
		return p.parseLiteral("true", &Value{Kind: KindBool, Bool: true})
	case c == 'f':
		return p.parseLiteral("false", &Value{Kind: KindBool, Bool: false})
	case c == 'n':
		return p.parseLiteral("null", &Value{Kind: KindNull})
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return nil, errors.Wrapf(ErrSyntax, "unexpected character %q at offset %d", c, p.pos)
	}
}

func (p *parser) parseLiteral(lit string, v *Value) (*Value, error) {
	if p.pos+len(lit) > len(p.data) || string(p.data[p.pos:p.pos+len(lit)]) != lit {
		return nil, errors.Wrapf(ErrSyntax, "invalid literal at offset %d", p.pos)
	}
	p.pos += len(lit)
	return v, nil
}

func (p *parser) parseObject() (*Value, error) {
	p.pos++ // consume '{'
	v := &Value{Kind: KindObject}

	p.skipWhitespace()
	if c, ok := p.peek(); ok && c == '}' {
		p.pos++
		return v, nil
	}

	for {
		p.skipWhitespace()
		c, ok := p.peek()
		if !ok || c != '"' {
			return nil, errors.Wrapf(ErrSyntax, "expected object key at offset %d", p.pos)
		}
		key, err := p.parseStringLiteral()
		if err != nil {
			return nil, err
		}

		p.skipWhitespace()
		if c, ok := p.peek(); !ok || c != ':' {
			return nil, errors.Wrapf(ErrSyntax, "expected ':' at offset %d", p.pos)
		}
		p.pos++

		p.skipWhitespace()
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}

		v.Obj = append(v.Obj, Field{Key: key, Value: val})

		p.skipWhitespace()
		c, ok = p.peek()
		if !ok {
			return nil, errors.Wrap(ErrUnexpectedEOF, "unterminated object")
		}
		if c == ',' {
			p.pos++
			continue
		}
		if c == '}' {
			p.pos++
			return v, nil
		}
		return nil, errors.Wrapf(ErrSyntax, "expected ',' or '}' at offset %d", p.pos)
	}
}

func (p *parser) parseArray() (*Value, error) {
	p.pos++ // consume '['
	v := &Value{Kind: KindArray}

	p.skipWhitespace()
	if c, ok := p.peek(); ok && c == ']' {
		p.pos++
		return v, nil
	}

	for {
		p.skipWhitespace()
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		v.Arr = append(v.Arr, val)

		p.skipWhitespace()
		c, ok := p.peek()
		if !ok {
			return nil, errors.Wrap(ErrUnexpectedEOF, "unterminated array")
		}
		if c == ',' {
			p.pos++
			continue
		}
		if c == ']' {
			p.pos++
			return v, nil
		}
		return nil, errors.Wrapf(ErrSyntax, "expected ',' or ']' at offset %d", p.pos)
	}
}

func (p *parser) parseStringLiteral() (string, error) {
	p.pos++ // consume opening quote
	var out []byte

	for {
		if p.pos >= len(p.data) {
			return "", errors.Wrap(ErrUnexpectedEOF, "unterminated string")
		}
		c := p.data[p.pos]

		if c == '"' {
			p.pos++
			return string(out), nil
		}

		if c == '\\' {
			p.pos++
			if p.pos >= len(p.data) {
				return "", errors.Wrap(ErrUnexpectedEOF, "unterminated escape")
			}
			esc := p.data[p.pos]
			switch esc {
			case '"', '\\', '/':
				out = append(out, esc)
				p.pos++
			case 'b':
				out = append(out, '\b')
				p.pos++
			case 'f':
				out = append(out, '\f')
				p.pos++
			case 'n':
				out = append(out, '\n')
				p.pos++
			case 'r':
				out = append(out, '\r')
				p.pos++
			case 't':
				out = append(out, '\t')
				p.pos++
			case 'u':
				r, err := p.parseUnicodeEscape()
				if err != nil {
					return "", err
				}
				var buf [utf8.UTFMax]byte
				n := utf8.EncodeRune(buf[:], r)
				out = append(out, buf[:n]...)
			default:
				return "", errors.Wrapf(ErrSyntax, "invalid escape \\%c at offset %d", esc, p.pos)
			}
			continue
		}

		if c < 0x20 {
			return "", errors.Wrapf(ErrSyntax, "invalid control character in string at offset %d", p.pos)
		}

		out = append(out, c)
		p.pos++
	}
}

func (p *parser) parseUnicodeEscape() (rune, error) {
	p.pos++ // consume 'u'
	r1, err := p.hex4()
	if err != nil {
		return 0, err
	}

	if utf16.IsSurrogate(rune(r1)) {
		if p.pos+1 < len(p.data) && p.data[p.pos] == '\\' && p.data[p.pos+1] == 'u' {
			save := p.pos
			p.pos += 2
			r2, err := p.hex4()
			if err == nil {
				combined := utf16.DecodeRune(rune(r1), rune(r2))
				if combined != utf8.RuneError {
					return combined, nil
				}
			}
			p.pos = save
		}
		return utf8.RuneError, nil
	}

	return rune(r1), nil
}

func (p *parser) hex4() (uint16, error) {
	if p.pos+4 > len(p.data) {
		return 0, errors.Wrap(ErrUnexpectedEOF, "truncated unicode escape")
	}
	n, err := strconv.ParseUint(string(p.data[p.pos:p.pos+4]), 16, 16)
	if err != nil {
		return 0, errors.Wrapf(ErrSyntax, "invalid unicode escape at offset %d", p.pos)
	}
	p.pos += 4
	return uint16(n), nil
}

func (p *parser) parseNumber() (*Value, error) {
	start := p.pos
	if c, ok := p.peek(); ok && c == '-' {
		p.pos++
	}
	for {
		c, ok := p.peek()
		if !ok {
			break
		}
		if c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		if c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-' {
			p.pos++
			continue
		}
		break
	}

	lit := string(p.data[start:p.pos])
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrSyntax, "invalid number %q at offset %d", lit, start)
	}
	return &Value{Kind: KindNumber, Num: f}, nil
}
