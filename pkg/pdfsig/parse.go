package pdfsig

import (
	"bytes"
	"fmt"
	"strconv"
)

// lexer reads COS objects from a byte slice.
type lexer struct {
	data []byte
	pos  int
	// length resolves indirect stream lengths; may be nil.
	length func(Ref) (int64, bool)
}

func isWhitespace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		switch {
		case isWhitespace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *lexer) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: offset %d: %s", ErrMalformed, l.pos, fmt.Sprintf(format, args...))
}

// keyword reads a run of regular characters.
func (l *lexer) keyword() string {
	l.skipSpace()
	start := l.pos
	for l.pos < len(l.data) && !isWhitespace(l.data[l.pos]) && !isDelimiter(l.data[l.pos]) {
		l.pos++
	}
	return string(l.data[start:l.pos])
}

func (l *lexer) expect(kw string) error {
	if got := l.keyword(); got != kw {
		return l.errorf("expected %q, got %q", kw, got)
	}
	return nil
}

// object parses the next object. Closing delimiters are reported as
// rawObject tokens so containers can detect their end.
func (l *lexer) object() (Object, error) {
	l.skipSpace()
	if l.pos >= len(l.data) {
		return nil, l.errorf("unexpected end of data")
	}
	switch c := l.data[l.pos]; {
	case c == '/':
		return l.name()
	case c == '(':
		return l.literal()
	case c == '<':
		if l.pos+1 < len(l.data) && l.data[l.pos+1] == '<' {
			l.pos += 2
			return l.dict()
		}
		return l.hex()
	case c == '[':
		l.pos++
		return l.array()
	case c == ']':
		l.pos++
		return rawObject("]"), nil
	case c == '>':
		if l.pos+1 < len(l.data) && l.data[l.pos+1] == '>' {
			l.pos += 2
			return rawObject(">>"), nil
		}
		return nil, l.errorf("stray '>'")
	case c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9'):
		return l.number()
	}
	switch kw := l.keyword(); kw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	case "":
		return nil, l.errorf("unexpected %q", l.data[l.pos])
	default:
		return rawObject(kw), nil
	}
}

func (l *lexer) name() (Object, error) {
	l.pos++
	var b []byte
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		if isWhitespace(c) || isDelimiter(c) {
			break
		}
		if c == '#' && l.pos+2 < len(l.data) {
			if v, err := strconv.ParseUint(string(l.data[l.pos+1:l.pos+3]), 16, 8); err == nil {
				b = append(b, byte(v))
				l.pos += 3
				continue
			}
		}
		b = append(b, c)
		l.pos++
	}
	return Name(b), nil
}

func (l *lexer) literal() (Object, error) {
	l.pos++
	var b []byte
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return String(b), nil
			}
		case '\\':
			if l.pos >= len(l.data) {
				return nil, l.errorf("unterminated string")
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				c = '\n'
			case 'r':
				c = '\r'
			case 't':
				c = '\t'
			case 'b':
				c = '\b'
			case 'f':
				c = '\f'
			case '\r':
				if l.pos < len(l.data) && l.data[l.pos] == '\n' {
					l.pos++
				}
				continue
			case '\n':
				continue
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						v = v*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					c = byte(v)
				} else {
					c = e
				}
			}
		}
		b = append(b, c)
	}
	return nil, l.errorf("unterminated string")
}

func (l *lexer) hex() (Object, error) {
	l.pos++
	var digits []byte
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		if c == '>' {
			if len(digits)%2 == 1 {
				digits = append(digits, '0')
			}
			out := make([]byte, len(digits)/2)
			for i := range out {
				v, err := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
				if err != nil {
					return nil, l.errorf("bad hex string")
				}
				out[i] = byte(v)
			}
			return String(out), nil
		}
		if !isWhitespace(c) {
			digits = append(digits, c)
		}
	}
	return nil, l.errorf("unterminated hex string")
}

func (l *lexer) array() (Object, error) {
	var arr Array
	for {
		o, err := l.object()
		if err != nil {
			return nil, err
		}
		if o == rawObject("]") {
			return arr, nil
		}
		if o == rawObject("R") {
			if len(arr) < 2 {
				return nil, l.errorf("dangling R")
			}
			gen, ok1 := arr[len(arr)-1].(int64)
			num, ok2 := arr[len(arr)-2].(int64)
			if !ok1 || !ok2 {
				return nil, l.errorf("bad reference")
			}
			arr = append(arr[:len(arr)-2], Ref{Num: int(num), Gen: int(gen)})
			continue
		}
		arr = append(arr, o)
	}
}

func (l *lexer) dict() (Object, error) {
	d := Dict{}
	for {
		k, err := l.object()
		if err != nil {
			return nil, err
		}
		if k == rawObject(">>") {
			return d, nil
		}
		key, ok := k.(Name)
		if !ok {
			return nil, l.errorf("dictionary key is %T", k)
		}
		v, err := l.value()
		if err != nil {
			return nil, err
		}
		d[key] = v
	}
}

// value parses an object, folding "num gen R" into a Ref.
func (l *lexer) value() (Object, error) {
	o, err := l.object()
	if err != nil {
		return nil, err
	}
	num, ok := o.(int64)
	if !ok {
		return o, nil
	}
	save := l.pos
	if gen, ok := l.tryInt(); ok {
		if l.keyword() == "R" {
			return Ref{Num: int(num), Gen: int(gen)}, nil
		}
	}
	l.pos = save
	return num, nil
}

func (l *lexer) tryInt() (int64, bool) {
	l.skipSpace()
	start := l.pos
	for l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '9' {
		l.pos++
	}
	if start == l.pos {
		return 0, false
	}
	v, err := strconv.ParseInt(string(l.data[start:l.pos]), 10, 64)
	return v, err == nil
}

func (l *lexer) number() (Object, error) {
	start := l.pos
	isReal := false
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		if c == '.' {
			isReal = true
		} else if !(c >= '0' && c <= '9') && !((c == '+' || c == '-') && l.pos == start) {
			break
		}
		l.pos++
	}
	s := string(l.data[start:l.pos])
	if isReal {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, l.errorf("bad number %q", s)
		}
		return f, nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, l.errorf("bad number %q", s)
	}
	return i, nil
}

// indirect parses "num gen obj ... endobj" at the current position.
func (l *lexer) indirect() (Ref, Object, error) {
	num, ok1 := l.tryInt()
	gen, ok2 := l.tryInt()
	if !ok1 || !ok2 {
		return Ref{}, nil, l.errorf("expected object header")
	}
	if err := l.expect("obj"); err != nil {
		return Ref{}, nil, err
	}
	ref := Ref{Num: int(num), Gen: int(gen)}
	o, err := l.value()
	if err != nil {
		return ref, nil, err
	}
	d, isDict := o.(Dict)
	if !isDict {
		return ref, o, nil
	}
	save := l.pos
	if l.keyword() != "stream" {
		l.pos = save
		return ref, d, nil
	}
	if l.pos < len(l.data) && l.data[l.pos] == '\r' {
		l.pos++
	}
	if l.pos < len(l.data) && l.data[l.pos] == '\n' {
		l.pos++
	}
	start := l.pos
	n, ok := d.int("Length")
	if r, isRef := d["Length"].(Ref); isRef && l.length != nil {
		n, ok = l.length(r)
	}
	end := start + int(n)
	if !ok || n < 0 || end > len(l.data) || !bytes.Contains(l.data[end:min(end+32, len(l.data))], []byte("endstream")) {
		// Recover from a wrong Length by scanning for the keyword.
		idx := bytes.Index(l.data[start:], []byte("endstream"))
		if idx < 0 {
			return ref, nil, l.errorf("unterminated stream")
		}
		end = start + idx
		for end > start && (l.data[end-1] == '\n' || l.data[end-1] == '\r') {
			end--
		}
	}
	l.pos = end
	if err := l.expect("endstream"); err != nil {
		return ref, nil, err
	}
	return ref, &Stream{Dict: d, Data: l.data[start:end]}, nil
}
