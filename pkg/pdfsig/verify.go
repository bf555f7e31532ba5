package pdfsig

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Signature is a signature dictionary found in a PDF.
type Signature struct {
	FieldName   string
	SubFilter   string
	Name        string
	Reason      string
	Location    string
	ContactInfo string
	// SigningTime is the /M entry, zero when absent or unparsable.
	SigningTime time.Time
	ByteRange   [4]int64
	// Contents is the signature value without its zero padding.
	Contents []byte
	// Content is the signed byte sequence described by ByteRange.
	Content []byte
	// CoversDocument reports whether ByteRange reaches the end of the file,
	// meaning no update follows the signature.
	CoversDocument bool
}

// Signatures returns the signed signature fields of data in form order.
func Signatures(data []byte) ([]*Signature, error) {
	r, err := Parse(data)
	if err != nil {
		return nil, err
	}
	catalog, err := r.Catalog()
	if err != nil {
		return nil, err
	}
	var sigs []*Signature
	for _, f := range allFields(r, catalog) {
		if f.typ != "Sig" {
			continue
		}
		v := r.Dict(f.dict["V"])
		if v == nil {
			continue
		}
		sig, err := readSignature(r, v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.name, err)
		}
		sig.FieldName = f.name
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		return nil, ErrNoSignature
	}
	if err := crossCheck(data, sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

func readSignature(r *Reader, v Dict) (*Signature, error) {
	sig := &Signature{SubFilter: string(v.name("SubFilter"))}
	sig.Name, _ = r.String(v["Name"])
	sig.Reason, _ = r.String(v["Reason"])
	sig.Location, _ = r.String(v["Location"])
	sig.ContactInfo, _ = r.String(v["ContactInfo"])
	if m, ok := r.String(v["M"]); ok {
		sig.SigningTime, _ = parsePDFDate(m)
	}

	br := r.Array(v["ByteRange"])
	if len(br) != 4 {
		return nil, fmt.Errorf("%w: expected 4 values", ErrInvalidByteRange)
	}
	for i, o := range br {
		n, ok := o.(int64)
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: value %d", ErrInvalidByteRange, i)
		}
		sig.ByteRange[i] = n
	}
	b := sig.ByteRange
	size := int64(len(r.data))
	if b[0] != 0 || b[1] >= b[2] || b[2]+b[3] > size || b[1]+1 >= size {
		return nil, fmt.Errorf("%w: %v for %d bytes", ErrInvalidByteRange, b, size)
	}
	gap := r.data[b[1]:b[2]]
	if len(gap) < 2 || gap[0] != '<' || gap[len(gap)-1] != '>' {
		return nil, fmt.Errorf("%w: gap is not the Contents string", ErrInvalidByteRange)
	}
	raw := make([]byte, hex.DecodedLen(len(gap)-2))
	n, err := hex.Decode(raw, gap[1:len(gap)-1])
	if err != nil {
		return nil, fmt.Errorf("%w: Contents: %v", ErrMalformed, err)
	}
	contents, _ := r.Resolve(v["Contents"])
	if s, ok := contents.(String); !ok || !bytes.Equal(s, raw[:n]) {
		return nil, fmt.Errorf("%w: Contents differs from the excluded range", ErrInvalidByteRange)
	}
	sig.Contents = trimDER(raw[:n])

	sig.Content = make([]byte, 0, b[1]+b[3])
	sig.Content = append(sig.Content, r.data[:b[1]]...)
	sig.Content = append(sig.Content, r.data[b[2]:b[2]+b[3]]...)
	sig.CoversDocument = b[2]+b[3] == size || len(bytes.TrimRight(r.data[b[2]+b[3]:], "\r\n")) == 0
	return sig, nil
}

// trimDER cuts the zero padding after a DER value.
func trimDER(b []byte) []byte {
	if len(b) >= 2 {
		n, hdr := int(b[1]), 2
		if b[1]&0x80 != 0 {
			octets := int(b[1] & 0x7f)
			if octets > 0 && octets <= 4 && len(b) >= 2+octets {
				n = 0
				for _, c := range b[2 : 2+octets] {
					n = n<<8 | int(c)
				}
				hdr = 2 + octets
			} else {
				n = -1
			}
		}
		if n >= 0 && hdr+n <= len(b) {
			return b[:hdr+n]
		}
	}
	return bytes.TrimRight(b, "\x00")
}

// parsePDFDate parses D:YYYYMMDDHHmmSSOHH'mm'.
func parsePDFDate(s string) (time.Time, error) {
	s = strings.TrimPrefix(s, "D:")
	s = strings.ReplaceAll(s, "'", "")
	layouts := []string{"20060102150405Z0700", "20060102150405Z07", "20060102150405", "200601021504", "20060102"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q", ErrMalformed, s)
}
