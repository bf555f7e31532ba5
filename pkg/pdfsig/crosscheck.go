package pdfsig

import (
	"bytes"
	"fmt"

	"github.com/digitorus/pdf"
)

// crossCheck reopens data with an independent parser and requires it to
// see the same signature fields, byte ranges and Contents as sigs. A file
// that two parsers read differently is refused.
func crossCheck(data []byte, sigs []*Signature) error {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	form := r.Trailer().Key("Root").Key("AcroForm")
	if form.Kind() != pdf.Dict {
		return fmt.Errorf("%w: no interactive form", ErrMalformed)
	}
	found := map[string]pdf.Value{}
	fields, seen := form.Key("Fields"), map[uint32]bool{}
	for i := 0; i < fields.Len(); i++ {
		collectSigFields(fields.Index(i), "", "", found, seen)
	}
	if len(found) != len(sigs) {
		return fmt.Errorf("%w: %d signature values, independent parse found %d", ErrMalformed, len(sigs), len(found))
	}
	for _, sig := range sigs {
		v, ok := found[sig.FieldName]
		if !ok {
			return fmt.Errorf("%w: field %q missing from independent parse", ErrMalformed, sig.FieldName)
		}
		br := v.Key("ByteRange")
		if br.Len() != 4 {
			return fmt.Errorf("%w: field %q", ErrInvalidByteRange, sig.FieldName)
		}
		for i := 0; i < 4; i++ {
			if n := br.Index(i); n.Kind() != pdf.Integer || n.Int64() != sig.ByteRange[i] {
				return fmt.Errorf("%w: field %q reads differently", ErrInvalidByteRange, sig.FieldName)
			}
		}
		contents := v.Key("Contents")
		if contents.Kind() != pdf.String || !bytes.Equal(trimDER([]byte(contents.RawString())), sig.Contents) {
			return fmt.Errorf("%w: field %q Contents reads differently", ErrInvalidByteRange, sig.FieldName)
		}
	}
	return nil
}

// collectSigFields records the /V dictionary of every signed terminal
// signature field under f by fully qualified name.
func collectSigFields(f pdf.Value, prefix, inherited string, out map[string]pdf.Value, seen map[uint32]bool) {
	if f.Kind() != pdf.Dict {
		return
	}
	if id := f.GetPtr().GetID(); id != 0 {
		if seen[id] {
			return
		}
		seen[id] = true
	}
	name := prefix
	if t := f.Key("T"); t.Kind() == pdf.String {
		if name != "" {
			name += "."
		}
		name += t.Text()
	}
	typ := inherited
	if ft := f.Key("FT"); ft.Kind() == pdf.Name {
		typ = ft.Name()
	}
	kids := f.Key("Kids")
	hasFieldKids := false
	for i := 0; i < kids.Len(); i++ {
		kid := kids.Index(i)
		if kid.Key("T").IsNull() && kid.Key("Subtype").Name() == "Widget" {
			continue
		}
		hasFieldKids = true
		collectSigFields(kid, name, typ, out, seen)
	}
	if hasFieldKids || typ != "Sig" {
		return
	}
	if v := f.Key("V"); v.Kind() == pdf.Dict {
		out[name] = v
	}
}
