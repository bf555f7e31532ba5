package pdfsig

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ContentSigner returns a detached CMS signature over content.
type ContentSigner func(ctx context.Context, content []byte) ([]byte, error)

// Labels are the captions printed before the values of a visible signature.
type Labels struct {
	Reason   string
	Location string
	Date     string
}

// Appearance configures the signature widget.
type Appearance struct {
	// Visible draws the widget; otherwise it has an empty rectangle.
	Visible bool
	// Position is 1-6 for the first page and 7-12 for the last page, in
	// rows of left, center and right, top row first.
	Position int
	// Width and Height default to 180 x 60 points.
	Width, Height float64
	ShowDate      bool
	Labels        Labels
	Transparent   bool
}

// SignConfig contains options for signing a PDF.
type SignConfig struct {
	Sign ContentSigner
	// SignerName is printed in the appearance and stored as /Name.
	SignerName  string
	Reason      string
	Location    string
	ContactInfo string
	SigningTime time.Time
	Appearance  Appearance
	// FieldName signs an existing empty signature field.
	FieldName string
	// OutlineName places the widget on the page an outline item targets.
	OutlineName string
	// ContentsSize is the placeholder size in bytes (default 16384). It is
	// grown once when the signature does not fit.
	ContentsSize int
}

const (
	defaultContentsSize = 16384
	defaultWidth        = 180
	defaultHeight       = 60
	pageMargin          = 36
	byteRangeWidth      = 48
)

// Sign adds a signature to data as an incremental update.
func Sign(ctx context.Context, data []byte, config *SignConfig) ([]byte, error) {
	if config == nil || config.Sign == nil {
		return nil, fmt.Errorf("content signer is required")
	}
	size := config.ContentsSize
	if size <= 0 {
		size = defaultContentsSize
	}
	out, err := sign(ctx, data, config, size)
	var tooSmall *contentsTooSmall
	if errors.As(err, &tooSmall) {
		return sign(ctx, data, config, tooSmall.need+2048)
	}
	return out, err
}

type contentsTooSmall struct{ need, have int }

func (e *contentsTooSmall) Error() string {
	return fmt.Sprintf("%v: need %d bytes, have %d", ErrContentsTooSmall, e.need, e.have)
}

func (e *contentsTooSmall) Unwrap() error { return ErrContentsTooSmall }

func sign(ctx context.Context, data []byte, config *SignConfig, contentsSize int) ([]byte, error) {
	r, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u := newUpdate(r)
	signingTime := config.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}

	sigDict := Dict{
		"Type":      Name("Sig"),
		"Filter":    Name("Adobe.PPKLite"),
		"SubFilter": Name("adbe.pkcs7.detached"),
		"ByteRange": rawObject("[" + string(bytes.Repeat([]byte(" "), byteRangeWidth-2)) + "]"),
		"Contents":  rawObject("<" + string(bytes.Repeat([]byte("0"), 2*contentsSize)) + ">"),
		"M":         String(pdfDate(signingTime)),
	}
	for key, v := range map[Name]string{
		"Name":        config.SignerName,
		"Reason":      config.Reason,
		"Location":    config.Location,
		"ContactInfo": config.ContactInfo,
	} {
		if v != "" {
			sigDict[key] = TextString(v)
		}
	}
	sigRef := u.add(sigDict)

	if err := placeWidget(u, sigRef, config, signingTime); err != nil {
		return nil, err
	}

	out := u.write()
	return fillSignature(ctx, out, u.offsets[sigRef.Num], config.Sign, contentsSize)
}

// fillSignature writes the ByteRange and Contents of the signature
// dictionary starting at objOffset.
func fillSignature(ctx context.Context, out []byte, objOffset int, signer ContentSigner, contentsSize int) ([]byte, error) {
	obj := out[objOffset:]
	br := bytes.Index(obj, []byte("/ByteRange ["))
	ct := bytes.Index(obj, []byte("/Contents <"))
	if br < 0 || ct < 0 {
		return nil, fmt.Errorf("%w: signature placeholder not found", ErrMalformed)
	}
	brStart := objOffset + br + len("/ByteRange ")
	start := objOffset + ct + len("/Contents ")
	end := start + 2*contentsSize + 2

	byteRange := fmt.Sprintf("[0 %d %d %d]", start, end, len(out)-end)
	if len(byteRange) > byteRangeWidth {
		return nil, fmt.Errorf("%w: byte range too wide", ErrMalformed)
	}
	copy(out[brStart:], byteRange)
	for i := brStart + len(byteRange); i < brStart+byteRangeWidth; i++ {
		out[i] = ' '
	}

	content := make([]byte, 0, len(out)-(end-start))
	content = append(content, out[:start]...)
	content = append(content, out[end:]...)
	sig, err := signer(ctx, content)
	if err != nil {
		return nil, err
	}
	if len(sig) > contentsSize {
		return nil, &contentsTooSmall{need: len(sig), have: contentsSize}
	}
	// The zero padding after the signature stays in place.
	hex.Encode(out[start+1:], sig)
	return out, nil
}

// placeWidget creates or fills the signature field and its widget.
func placeWidget(u *update, sigRef Ref, config *SignConfig, signingTime time.Time) error {
	r := u.r
	catalog, err := r.Catalog()
	if err != nil {
		return err
	}
	pages, err := r.Pages()
	if err != nil {
		return err
	}

	if config.FieldName != "" {
		f, err := findField(r, config.FieldName)
		if err != nil {
			return err
		}
		field := u.get(f.ref).clone()
		if _, signed := field["V"]; signed {
			return fmt.Errorf("%w: %q", ErrFieldSigned, config.FieldName)
		}
		field["V"] = sigRef
		u.set(f.ref, field)
		if config.Appearance.Visible {
			widget := u.get(f.widget).clone()
			rect := rectOf(r, widget["Rect"])
			if w, h := rect[2]-rect[0], rect[3]-rect[1]; w > 0 && h > 0 {
				widget["AP"] = Dict{"N": u.add(appearanceStream(config, w, h, signingTime))}
				u.set(f.widget, widget)
			}
		}
		return setSigFlags(u, catalog, Ref{})
	}

	page := pages[0]
	pos := config.Appearance.Position
	if pos > 6 {
		page = pages[len(pages)-1]
	}
	if config.OutlineName != "" {
		if page, err = outlinePage(r, catalog, config.OutlineName); err != nil {
			return err
		}
	}

	rect := [4]float64{0, 0, 0, 0}
	if config.Appearance.Visible && pos > 0 {
		rect = placeRect(r.MediaBox(page), pos, config.Appearance.Width, config.Appearance.Height)
	}
	widget := Dict{
		"Type":    Name("Annot"),
		"Subtype": Name("Widget"),
		"FT":      Name("Sig"),
		"T":       TextString(uniqueFieldName(r, catalog)),
		"V":       sigRef,
		"F":       int64(132),
		"P":       page,
		"Rect":    Array{rect[0], rect[1], rect[2], rect[3]},
	}
	if w, h := rect[2]-rect[0], rect[3]-rect[1]; w > 0 && h > 0 {
		widget["AP"] = Dict{"N": u.add(appearanceStream(config, w, h, signingTime))}
	}
	widgetRef := u.add(widget)

	pageDict := u.get(page).clone()
	annots := append(Array(nil), r.Array(pageDict["Annots"])...)
	if ref, ok := pageDict["Annots"].(Ref); ok {
		u.set(ref, append(annots, widgetRef))
	} else {
		pageDict["Annots"] = append(annots, widgetRef)
		u.set(page, pageDict)
	}
	return setSigFlags(u, catalog, widgetRef)
}

// setSigFlags marks the document as signed and appends field to the form.
func setSigFlags(u *update, catalog Dict, field Ref) error {
	r := u.r
	rootRef := r.RootRef()
	var form Dict
	formRef, indirect := catalog["AcroForm"].(Ref)
	if indirect {
		form = u.get(formRef).clone()
	} else if d := r.Dict(catalog["AcroForm"]); d != nil {
		form = d.clone()
	} else {
		form = Dict{}
	}
	if field != (Ref{}) {
		fields := append(Array(nil), r.Array(form["Fields"])...)
		form["Fields"] = append(fields, field)
	}
	form["SigFlags"] = int64(3)
	if indirect {
		u.set(formRef, form)
		return nil
	}
	cat := u.get(rootRef).clone()
	cat["AcroForm"] = form
	u.set(rootRef, cat)
	return nil
}

// placeRect computes the widget rectangle for one of the 12 positions.
func placeRect(box [4]float64, pos int, w, h float64) [4]float64 {
	if w <= 0 {
		w = defaultWidth
	}
	if h <= 0 {
		h = defaultHeight
	}
	cell := (pos - 1) % 6
	col, bottom := cell%3, cell/3 == 1
	var x, y float64
	switch col {
	case 0:
		x = box[0] + pageMargin
	case 1:
		x = box[0] + (box[2]-box[0]-w)/2
	default:
		x = box[2] - pageMargin - w
	}
	if bottom {
		y = box[1] + pageMargin
	} else {
		y = box[3] - pageMargin - h
	}
	return [4]float64{x, y, x + w, y + h}
}

func rectOf(r *Reader, o Object) [4]float64 {
	var rect [4]float64
	a := r.Array(o)
	if len(a) != 4 {
		return rect
	}
	for i := range a {
		rect[i], _ = r.Number(a[i])
	}
	return normalizeBox(rect)
}

func uniqueFieldName(r *Reader, catalog Dict) string {
	used := map[string]bool{}
	for _, f := range allFields(r, catalog) {
		used[f.name] = true
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("Signature%d", i)
		if !used[name] {
			return name
		}
	}
}

// pdfDate formats t as a PDF date string.
func pdfDate(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	if offset == 0 {
		return t.Format("D:20060102150405") + "Z"
	}
	return fmt.Sprintf("%s%s%02d'%02d'", t.Format("D:20060102150405"), sign, offset/3600, (offset%3600)/60)
}
