package pdfsig

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

type xrefEntry struct {
	offset int64
	gen    int
	// stream and index locate an object held in an object stream.
	stream, index int
	compressed    bool
}

// Reader gives access to the objects of a PDF file.
type Reader struct {
	data    []byte
	xref    map[int]xrefEntry
	trailer Dict
	// startxref is the offset of the newest cross-reference section.
	startxref int64
	// xrefStream is set when the newest section is a cross-reference stream.
	xrefStream bool
	cache      map[int]Object
	objStreams map[int]*objectStream
}

type objectStream struct {
	data    []byte
	offsets map[int]int
}

// Parse reads the cross-reference data of a PDF file.
func Parse(data []byte) (*Reader, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\n\f\r "), []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing %%PDF header", ErrMalformed)
	}
	r := &Reader{
		data:       data,
		xref:       map[int]xrefEntry{},
		cache:      map[int]Object{},
		objStreams: map[int]*objectStream{},
	}
	start, err := r.findStartXref()
	if err != nil {
		return nil, err
	}
	r.startxref = start
	visited := map[int64]bool{}
	for offset := start; ; {
		if visited[offset] {
			break
		}
		visited[offset] = true
		trailer, isStream, err := r.loadSection(offset)
		if err != nil {
			return nil, err
		}
		if r.trailer == nil {
			r.trailer = trailer
			r.xrefStream = isStream
		}
		// Hybrid files point to an additional stream from a classic trailer.
		if stm, ok := trailer.int("XRefStm"); ok && !visited[stm] {
			visited[stm] = true
			if _, _, err := r.loadSection(stm); err != nil {
				return nil, err
			}
		}
		prev, ok := trailer.int("Prev")
		if !ok {
			break
		}
		offset = prev
	}
	if _, ok := r.trailer["Encrypt"]; ok {
		return nil, ErrEncrypted
	}
	if _, ok := r.trailer["Root"].(Ref); !ok {
		return nil, fmt.Errorf("%w: trailer has no Root", ErrMalformed)
	}
	return r, nil
}

func (r *Reader) findStartXref() (int64, error) {
	tail := r.data[max(0, len(r.data)-2048):]
	idx := bytes.LastIndex(tail, []byte("startxref"))
	if idx < 0 {
		return 0, fmt.Errorf("%w: startxref not found", ErrMalformed)
	}
	l := &lexer{data: tail, pos: idx + len("startxref")}
	off, ok := l.tryInt()
	if !ok || off <= 0 || off >= int64(len(r.data)) {
		return 0, fmt.Errorf("%w: bad startxref", ErrMalformed)
	}
	return off, nil
}

// loadSection reads one cross-reference section. Entries already known
// from newer sections are kept.
func (r *Reader) loadSection(offset int64) (Dict, bool, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, false, fmt.Errorf("%w: xref offset %d out of range", ErrMalformed, offset)
	}
	l := &lexer{data: r.data, pos: int(offset)}
	save := l.pos
	if l.keyword() == "xref" {
		trailer, err := r.classicSection(l)
		return trailer, false, err
	}
	l.pos = save
	_, o, err := l.indirect()
	if err != nil {
		return nil, false, err
	}
	s, ok := o.(*Stream)
	if !ok || s.Dict.name("Type") != "XRef" {
		return nil, false, fmt.Errorf("%w: no cross-reference at offset %d", ErrMalformed, offset)
	}
	if err := r.streamSection(s); err != nil {
		return nil, false, err
	}
	return s.Dict, true, nil
}

func (r *Reader) classicSection(l *lexer) (Dict, error) {
	for {
		save := l.pos
		first, ok := l.tryInt()
		if !ok {
			l.pos = save
			break
		}
		count, ok := l.tryInt()
		if !ok {
			return nil, l.errorf("bad xref subsection")
		}
		for i := 0; i < int(count); i++ {
			off, ok1 := l.tryInt()
			gen, ok2 := l.tryInt()
			kind := l.keyword()
			if !ok1 || !ok2 || (kind != "n" && kind != "f") {
				return nil, l.errorf("bad xref entry")
			}
			num := int(first) + i
			if _, seen := r.xref[num]; seen || kind == "f" {
				if kind == "f" {
					if _, seen := r.xref[num]; !seen {
						r.xref[num] = xrefEntry{offset: -1}
					}
				}
				continue
			}
			r.xref[num] = xrefEntry{offset: off, gen: int(gen)}
		}
	}
	if err := l.expect("trailer"); err != nil {
		return nil, err
	}
	o, err := l.value()
	if err != nil {
		return nil, err
	}
	d, ok := o.(Dict)
	if !ok {
		return nil, l.errorf("trailer is not a dictionary")
	}
	return d, nil
}

func (r *Reader) streamSection(s *Stream) error {
	w, ok := s.Dict["W"].(Array)
	if !ok || len(w) != 3 {
		return fmt.Errorf("%w: xref stream without W", ErrMalformed)
	}
	var widths [3]int
	for i, v := range w {
		n, ok := v.(int64)
		if !ok || n < 0 || n > 8 {
			return fmt.Errorf("%w: bad xref stream W", ErrMalformed)
		}
		widths[i] = int(n)
	}
	size, _ := s.Dict.int("Size")
	index := Array{int64(0), size}
	if idx, ok := s.Dict["Index"].(Array); ok {
		index = idx
	}
	data, err := decodeStream(s)
	if err != nil {
		return err
	}
	rowLen := widths[0] + widths[1] + widths[2]
	if rowLen == 0 {
		return fmt.Errorf("%w: empty xref stream rows", ErrMalformed)
	}
	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		first, ok1 := index[i].(int64)
		count, ok2 := index[i+1].(int64)
		if !ok1 || !ok2 {
			return fmt.Errorf("%w: bad xref stream Index", ErrMalformed)
		}
		for j := 0; j < int(count); j++ {
			if pos+rowLen > len(data) {
				return fmt.Errorf("%w: truncated xref stream", ErrMalformed)
			}
			row := data[pos : pos+rowLen]
			pos += rowLen
			typ := int64(1)
			if widths[0] > 0 {
				typ = field(row[:widths[0]])
			}
			f2 := field(row[widths[0] : widths[0]+widths[1]])
			f3 := field(row[widths[0]+widths[1]:])
			num := int(first) + j
			if _, seen := r.xref[num]; seen {
				continue
			}
			switch typ {
			case 0:
				r.xref[num] = xrefEntry{offset: -1}
			case 1:
				r.xref[num] = xrefEntry{offset: f2, gen: int(f3)}
			case 2:
				r.xref[num] = xrefEntry{compressed: true, stream: int(f2), index: int(f3)}
			}
		}
	}
	return nil
}

func field(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// decodeStream applies the stream filters. Only FlateDecode with optional
// PNG predictors is supported, which covers cross-reference and object
// streams.
func decodeStream(s *Stream) ([]byte, error) {
	data := s.Data
	var filters Array
	switch f := s.Dict["Filter"].(type) {
	case nil:
		return data, nil
	case Name:
		filters = Array{f}
	case Array:
		filters = f
	}
	for _, f := range filters {
		if f != Name("FlateDecode") {
			return nil, fmt.Errorf("%w: unsupported stream filter %v", ErrMalformed, f)
		}
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out, err := io.ReadAll(zr)
		if err != nil && len(out) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		data = out
	}
	if parms, ok := s.Dict["DecodeParms"].(Dict); ok {
		if pred, _ := parms.int("Predictor"); pred >= 10 {
			cols, ok := parms.int("Columns")
			if !ok {
				cols = 1
			}
			return unpredictPNG(data, int(cols))
		}
	}
	return data, nil
}

func unpredictPNG(data []byte, columns int) ([]byte, error) {
	row := columns + 1
	if columns <= 0 || len(data)%row != 0 {
		return nil, fmt.Errorf("%w: bad PNG predictor data", ErrMalformed)
	}
	out := make([]byte, 0, len(data)/row*columns)
	prev := make([]byte, columns)
	for i := 0; i < len(data); i += row {
		cur := append([]byte(nil), data[i+1:i+row]...)
		for j := range cur {
			var left, upLeft byte
			if j > 0 {
				left, upLeft = cur[j-1], prev[j-1]
			}
			up := prev[j]
			switch data[i] {
			case 0:
			case 1:
				cur[j] += left
			case 2:
				cur[j] += up
			case 3:
				cur[j] += byte((int(left) + int(up)) / 2)
			case 4:
				cur[j] += paeth(left, up, upLeft)
			default:
				return nil, fmt.Errorf("%w: PNG predictor %d", ErrMalformed, data[i])
			}
		}
		out = append(out, cur...)
		prev = cur
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Trailer returns the newest trailer dictionary.
func (r *Reader) Trailer() Dict { return r.trailer }

// Size returns the number of object numbers in use.
func (r *Reader) Size() int {
	size, _ := r.trailer.int("Size")
	for num := range r.xref {
		if num+1 > int(size) {
			size = int64(num + 1)
		}
	}
	return int(size)
}

// Object returns the object with the given number, nil when it is free or
// missing.
func (r *Reader) Object(num int) (Object, error) {
	if o, ok := r.cache[num]; ok {
		return o, nil
	}
	e, ok := r.xref[num]
	if !ok || (!e.compressed && e.offset < 0) {
		return nil, nil
	}
	var o Object
	var err error
	if e.compressed {
		o, err = r.compressedObject(num, e)
	} else {
		l := &lexer{data: r.data, pos: int(e.offset), length: r.streamLength}
		var ref Ref
		ref, o, err = l.indirect()
		if err == nil && ref.Num != num {
			err = fmt.Errorf("%w: object %d found at offset of %d", ErrMalformed, ref.Num, num)
		}
	}
	if err != nil {
		return nil, err
	}
	r.cache[num] = o
	return o, nil
}

func (r *Reader) streamLength(ref Ref) (int64, bool) {
	o, err := r.Object(ref.Num)
	if err != nil {
		return 0, false
	}
	n, ok := o.(int64)
	return n, ok
}

func (r *Reader) compressedObject(num int, e xrefEntry) (Object, error) {
	stm, ok := r.objStreams[e.stream]
	if !ok {
		o, err := r.Object(e.stream)
		if err != nil {
			return nil, err
		}
		s, ok := o.(*Stream)
		if !ok || s.Dict.name("Type") != "ObjStm" {
			return nil, fmt.Errorf("%w: object %d is not an object stream", ErrMalformed, e.stream)
		}
		data, err := decodeStream(s)
		if err != nil {
			return nil, err
		}
		n, _ := s.Dict.int("N")
		first, _ := s.Dict.int("First")
		stm = &objectStream{data: data, offsets: map[int]int{}}
		l := &lexer{data: data}
		for i := 0; i < int(n); i++ {
			objNum, ok1 := l.tryInt()
			off, ok2 := l.tryInt()
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("%w: bad object stream header", ErrMalformed)
			}
			stm.offsets[int(objNum)] = int(first + off)
		}
		r.objStreams[e.stream] = stm
	}
	off, ok := stm.offsets[num]
	if !ok || off < 0 || off >= len(stm.data) {
		return nil, fmt.Errorf("%w: object %d not in object stream %d", ErrMalformed, num, e.stream)
	}
	l := &lexer{data: stm.data, pos: off}
	return l.value()
}

// Resolve follows indirect references.
func (r *Reader) Resolve(o Object) (Object, error) {
	for i := 0; i < 32; i++ {
		ref, ok := o.(Ref)
		if !ok {
			return o, nil
		}
		var err error
		if o, err = r.Object(ref.Num); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: reference loop", ErrMalformed)
}

// Dict resolves o to a dictionary, nil when it is something else.
func (r *Reader) Dict(o Object) Dict {
	v, err := r.Resolve(o)
	if err != nil {
		return nil
	}
	switch d := v.(type) {
	case Dict:
		return d
	case *Stream:
		return d.Dict
	}
	return nil
}

// Array resolves o to an array, nil when it is something else.
func (r *Reader) Array(o Object) Array {
	v, err := r.Resolve(o)
	if err != nil {
		return nil
	}
	a, _ := v.(Array)
	return a
}

// Number resolves o to a number.
func (r *Reader) Number(o Object) (float64, bool) {
	v, err := r.Resolve(o)
	if err != nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// RootRef returns the reference of the document catalog.
func (r *Reader) RootRef() Ref {
	ref, _ := r.trailer["Root"].(Ref)
	return ref
}

// Catalog returns the document catalog.
func (r *Reader) Catalog() (Dict, error) {
	d := r.Dict(r.RootRef())
	if d == nil {
		return nil, fmt.Errorf("%w: catalog is not a dictionary", ErrMalformed)
	}
	return d, nil
}

// Pages returns the page objects in document order.
func (r *Reader) Pages() ([]Ref, error) {
	catalog, err := r.Catalog()
	if err != nil {
		return nil, err
	}
	root, ok := catalog["Pages"].(Ref)
	if !ok {
		return nil, fmt.Errorf("%w: catalog has no page tree", ErrMalformed)
	}
	var pages []Ref
	visited := map[int]bool{}
	var walk func(Ref) error
	walk = func(ref Ref) error {
		if visited[ref.Num] {
			return fmt.Errorf("%w: page tree loop", ErrMalformed)
		}
		visited[ref.Num] = true
		node := r.Dict(ref)
		if node == nil {
			return fmt.Errorf("%w: page tree node %d", ErrMalformed, ref.Num)
		}
		if node.name("Type") == "Page" {
			pages = append(pages, ref)
			return nil
		}
		for _, kid := range r.Array(node["Kids"]) {
			kr, ok := kid.(Ref)
			if !ok {
				return fmt.Errorf("%w: page tree kid is not a reference", ErrMalformed)
			}
			if err := walk(kr); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrMalformed)
	}
	return pages, nil
}

// MediaBox returns the page rectangle, following inherited attributes.
func (r *Reader) MediaBox(page Ref) [4]float64 {
	box := [4]float64{0, 0, 612, 792}
	node := r.Dict(page)
	for depth := 0; node != nil && depth < 32; depth++ {
		for _, key := range []Name{"CropBox", "MediaBox"} {
			if a := r.Array(node[key]); len(a) == 4 {
				var b [4]float64
				ok := true
				for i := range a {
					if b[i], ok = r.Number(a[i]); !ok {
						break
					}
				}
				if ok {
					return normalizeBox(b)
				}
			}
		}
		node = r.Dict(node["Parent"])
	}
	return box
}

func normalizeBox(b [4]float64) [4]float64 {
	if b[0] > b[2] {
		b[0], b[2] = b[2], b[0]
	}
	if b[1] > b[3] {
		b[1], b[3] = b[3], b[1]
	}
	return b
}

// String resolves o to a decoded text string.
func (r *Reader) String(o Object) (string, bool) {
	v, err := r.Resolve(o)
	if err != nil {
		return "", false
	}
	s, ok := v.(String)
	if !ok {
		return "", false
	}
	return s.Text(), true
}
