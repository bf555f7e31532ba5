// Package pdfsig signs PDF documents with an incremental update holding a
// CMS detached signature (adbe.pkcs7.detached) and extracts the signatures
// of signed documents for verification.
//
// The package carries its own small COS object model: a reader for classic
// cross-reference tables and cross-reference streams (with object streams)
// and a writer for incremental updates. Encrypted documents are rejected.
package pdfsig

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"
)

var (
	// ErrMalformed indicates the PDF cannot be parsed.
	ErrMalformed = errors.New("malformed PDF")

	// ErrEncrypted indicates an encrypted PDF, which cannot be updated.
	ErrEncrypted = errors.New("encrypted PDF not supported")

	// ErrNoSignature indicates the PDF carries no signature dictionary.
	ErrNoSignature = errors.New("no PDF signature present")

	// ErrInvalidByteRange indicates a ByteRange that does not describe the
	// file around the Contents value.
	ErrInvalidByteRange = errors.New("invalid signature byte range")

	// ErrFieldNotFound indicates a named form field or outline is missing.
	ErrFieldNotFound = errors.New("PDF field not found")

	// ErrFieldSigned indicates the named signature field already has a value.
	ErrFieldSigned = errors.New("PDF signature field already signed")

	// ErrContentsTooSmall indicates the signature does not fit the
	// Contents placeholder.
	ErrContentsTooSmall = errors.New("signature exceeds Contents placeholder")
)

// Object is a COS object: nil (null), bool, int64, float64, Name, String,
// hexString, Array, Dict, Ref or *Stream.
type Object interface{}

type (
	// Name is a PDF name without the leading slash.
	Name string
	// String is a literal or hexadecimal string.
	String []byte
	// Array is a PDF array.
	Array []Object
	// Dict is a PDF dictionary.
	Dict map[Name]Object
	// Ref is an indirect reference.
	Ref struct {
		Num, Gen int
	}
	// Stream is a stream object; Data holds the raw (encoded) bytes.
	Stream struct {
		Dict Dict
		Data []byte
	}
	// hexString is written in hexadecimal form.
	hexString []byte
	// rawObject is written verbatim.
	rawObject string
)

// Text decodes a PDF text string (PDFDocEncoding or UTF-16BE with BOM).
func (s String) Text() string {
	b := []byte(s)
	if len(b) >= 2 && b[0] == 0xfe && b[1] == 0xff {
		u := make([]uint16, 0, (len(b)-2)/2)
		for i := 2; i+1 < len(b); i += 2 {
			u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(u))
	}
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

// TextString encodes s as a PDF text string, UTF-16BE when it is not
// printable ASCII.
func TextString(s string) String {
	ascii := true
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			ascii = false
			break
		}
	}
	if ascii {
		return String(s)
	}
	out := []byte{0xfe, 0xff}
	for _, u := range utf16.Encode([]rune(s)) {
		out = append(out, byte(u>>8), byte(u))
	}
	return String(out)
}

func (d Dict) name(key Name) Name {
	n, _ := d[key].(Name)
	return n
}

func (d Dict) int(key Name) (int64, bool) {
	switch v := d[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func (d Dict) clone() Dict {
	c := make(Dict, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// writeObject serializes o.
func writeObject(buf *bytes.Buffer, o Object) {
	switch v := o.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case int:
		buf.WriteString(strconv.Itoa(v))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case float64:
		buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	case Name:
		writeName(buf, v)
	case String:
		writeLiteral(buf, v)
	case hexString:
		fmt.Fprintf(buf, "<%X>", []byte(v))
	case rawObject:
		buf.WriteString(string(v))
	case Ref:
		fmt.Fprintf(buf, "%d %d R", v.Num, v.Gen)
	case Array:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(' ')
			}
			writeObject(buf, e)
		}
		buf.WriteByte(']')
	case Dict:
		writeDict(buf, v)
	case *Stream:
		d := v.Dict.clone()
		d["Length"] = int64(len(v.Data))
		writeDict(buf, d)
		buf.WriteString("\nstream\n")
		buf.Write(v.Data)
		buf.WriteString("\nendstream")
	default:
		buf.WriteString("null")
	}
}

func writeDict(buf *bytes.Buffer, d Dict) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, string(k))
	}
	// Type first, then the rest sorted, so output is stable.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == "Type" || keys[j] == "Type" {
			return keys[i] == "Type"
		}
		return keys[i] < keys[j]
	})
	buf.WriteString("<<")
	for _, k := range keys {
		writeName(buf, Name(k))
		buf.WriteByte(' ')
		writeObject(buf, d[Name(k)])
	}
	buf.WriteString(">>")
}

func writeName(buf *bytes.Buffer, n Name) {
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < '!' || c > '~' || isDelimiter(c) || c == '#' {
			fmt.Fprintf(buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
}

func writeLiteral(buf *bytes.Buffer, s String) {
	buf.WriteByte('(')
	for _, c := range []byte(s) {
		switch c {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\r':
			buf.WriteString(`\r`)
		case '\n':
			buf.WriteString(`\n`)
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(')')
}
