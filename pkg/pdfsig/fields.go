package pdfsig

import (
	"fmt"
	"strings"
)

// formField is a terminal AcroForm field.
type formField struct {
	ref  Ref
	name string
	// widget is the annotation of the field; equal to ref for merged
	// field/widget dictionaries.
	widget Ref
	typ    Name
	dict   Dict
}

// allFields lists the terminal fields of the interactive form with their
// fully qualified names.
func allFields(r *Reader, catalog Dict) []formField {
	form := r.Dict(catalog["AcroForm"])
	if form == nil {
		return nil
	}
	var out []formField
	visited := map[int]bool{}
	var walk func(o Object, prefix string, inherited Name)
	walk = func(o Object, prefix string, inherited Name) {
		ref, ok := o.(Ref)
		if !ok || visited[ref.Num] {
			return
		}
		visited[ref.Num] = true
		d := r.Dict(ref)
		if d == nil {
			return
		}
		name := prefix
		if t, ok := r.String(d["T"]); ok {
			if name != "" {
				name += "."
			}
			name += t
		}
		typ := inherited
		if ft := d.name("FT"); ft != "" {
			typ = ft
		}

		var fieldKids, widgets []Ref
		for _, kid := range r.Array(d["Kids"]) {
			kr, ok := kid.(Ref)
			if !ok {
				continue
			}
			kd := r.Dict(kr)
			if kd == nil {
				continue
			}
			if _, hasName := kd["T"]; !hasName && kd.name("Subtype") == "Widget" {
				widgets = append(widgets, kr)
				continue
			}
			fieldKids = append(fieldKids, kr)
		}
		if len(fieldKids) > 0 {
			for _, k := range fieldKids {
				walk(k, name, typ)
			}
			return
		}
		f := formField{ref: ref, name: name, widget: ref, typ: typ, dict: d}
		if len(widgets) > 0 {
			f.widget = widgets[0]
		}
		out = append(out, f)
	}
	for _, f := range r.Array(form["Fields"]) {
		walk(f, "", "")
	}
	return out
}

func findField(r *Reader, name string) (formField, error) {
	catalog, err := r.Catalog()
	if err != nil {
		return formField{}, err
	}
	for _, f := range allFields(r, catalog) {
		if f.name != name {
			continue
		}
		if f.typ != "Sig" {
			return formField{}, fmt.Errorf("%w: %q is a /%s field, not a signature field", ErrFieldNotFound, name, f.typ)
		}
		return f, nil
	}
	return formField{}, fmt.Errorf("%w: form field %q", ErrFieldNotFound, name)
}

// outlinePage returns the page targeted by the first outline item titled
// title.
func outlinePage(r *Reader, catalog Dict, title string) (Ref, error) {
	outlines := r.Dict(catalog["Outlines"])
	if outlines == nil {
		return Ref{}, fmt.Errorf("%w: document has no outline", ErrFieldNotFound)
	}
	visited := map[int]bool{}
	var search func(first Object) (Dict, bool)
	search = func(first Object) (Dict, bool) {
		for o := first; ; {
			ref, ok := o.(Ref)
			if !ok || visited[ref.Num] {
				return nil, false
			}
			visited[ref.Num] = true
			item := r.Dict(ref)
			if item == nil {
				return nil, false
			}
			if t, ok := r.String(item["Title"]); ok && strings.TrimSpace(t) == title {
				return item, true
			}
			if d, ok := search(item["First"]); ok {
				return d, true
			}
			o = item["Next"]
		}
	}
	item, ok := search(outlines["First"])
	if !ok {
		return Ref{}, fmt.Errorf("%w: outline item %q", ErrFieldNotFound, title)
	}

	dest := item["Dest"]
	if dest == nil {
		if action := r.Dict(item["A"]); action != nil && action.name("S") == "GoTo" {
			dest = action["D"]
		}
	}
	page, ok := destinationPage(r, catalog, dest)
	if !ok {
		return Ref{}, fmt.Errorf("%w: outline item %q has no page destination", ErrFieldNotFound, title)
	}
	return page, nil
}

// destinationPage resolves explicit and named destinations to a page.
func destinationPage(r *Reader, catalog Dict, dest Object) (Ref, bool) {
	for depth := 0; depth < 8; depth++ {
		v, err := r.Resolve(dest)
		if err != nil {
			return Ref{}, false
		}
		switch d := v.(type) {
		case Array:
			if len(d) == 0 {
				return Ref{}, false
			}
			page, ok := d[0].(Ref)
			return page, ok
		case Dict:
			dest = d["D"]
		case Name:
			dest = namedDestination(r, catalog, string(d))
		case String:
			dest = namedDestination(r, catalog, string(d))
		default:
			return Ref{}, false
		}
	}
	return Ref{}, false
}

func namedDestination(r *Reader, catalog Dict, name string) Object {
	if dests := r.Dict(catalog["Dests"]); dests != nil {
		if v, ok := dests[Name(name)]; ok {
			return v
		}
	}
	names := r.Dict(catalog["Names"])
	if names == nil {
		return nil
	}
	visited := map[int]bool{}
	var lookup func(node Object) Object
	lookup = func(node Object) Object {
		if ref, ok := node.(Ref); ok {
			if visited[ref.Num] {
				return nil
			}
			visited[ref.Num] = true
		}
		d := r.Dict(node)
		if d == nil {
			return nil
		}
		pairs := r.Array(d["Names"])
		for i := 0; i+1 < len(pairs); i += 2 {
			if k, ok := r.String(pairs[i]); ok && k == name {
				return pairs[i+1]
			}
		}
		for _, kid := range r.Array(d["Kids"]) {
			if v := lookup(kid); v != nil {
				return v
			}
		}
		return nil
	}
	return lookup(names["Dests"])
}
