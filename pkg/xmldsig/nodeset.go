package xmldsig

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// FilterKind is an XPath Filter 2.0 set operation.
type FilterKind string

const (
	FilterIntersect FilterKind = "intersect"
	FilterSubtract  FilterKind = "subtract"
	FilterUnion     FilterKind = "union"
)

// Filter is one XPath Filter 2.0 step. Namespaces maps the prefixes used in
// Expr to namespace URIs.
type Filter struct {
	Kind       FilterKind
	Expr       string
	Namespaces map[string]string
}

// Validate checks the filter kind and expression.
func (f Filter) Validate() error {
	switch f.Kind {
	case FilterIntersect, FilterSubtract, FilterUnion:
	default:
		return fmt.Errorf("%w: filter kind %q", ErrInvalidOptions, f.Kind)
	}
	if strings.TrimSpace(f.Expr) == "" {
		return fmt.Errorf("%w: empty filter expression", ErrInvalidOptions)
	}
	return nil
}

// nodeSet is a set of elements selected for signing.
type nodeSet map[*etree.Element]bool

func addSubtree(s nodeSet, el *etree.Element) {
	s[el] = true
	for _, c := range el.ChildElements() {
		addSubtree(s, c)
	}
}

// referenceSet computes the node set covered by a reference: the subtree
// of target minus the enveloped signature, narrowed by filters in order.
func referenceSet(doc *etree.Document, target, signature *etree.Element, filters []Filter) (nodeSet, error) {
	full := nodeSet{}
	addSubtree(full, target)

	set := nodeSet{}
	for el := range full {
		set[el] = true
	}
	for _, f := range filters {
		selected, err := evaluate(doc, signature, f)
		if err != nil {
			return nil, err
		}
		switch f.Kind {
		case FilterIntersect:
			for el := range set {
				if !selected[el] {
					delete(set, el)
				}
			}
		case FilterSubtract:
			for el := range selected {
				delete(set, el)
			}
		case FilterUnion:
			for el := range selected {
				if full[el] {
					set[el] = true
				}
			}
		}
	}

	if signature != nil {
		sig := nodeSet{}
		addSubtree(sig, signature)
		for el := range sig {
			delete(set, el)
		}
	}
	return set, nil
}

// evaluate returns the subtrees of the elements f selects. Namespace
// declarations inside signature do not count as document bindings.
func evaluate(doc *etree.Document, signature *etree.Element, f Filter) (nodeSet, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	expr, err := resolvePrefixes(doc, signature, f.Expr, f.Namespaces)
	if err != nil {
		return nil, err
	}
	path, err := etree.CompilePath(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", ErrInvalidOptions, f.Expr, err)
	}
	set := nodeSet{}
	for _, el := range doc.FindElementsPath(path) {
		addSubtree(set, el)
	}
	return set, nil
}

var prefixedName = regexp.MustCompile(`([A-Za-z_][\w.-]*):([A-Za-z_*])`)

// resolvePrefixes rewrites the prefixes of expr, declared in namespaces, to
// the prefixes the document binds to the same URIs. A URI bound as the
// default namespace drops the prefix.
func resolvePrefixes(doc *etree.Document, skip *etree.Element, expr string, namespaces map[string]string) (string, error) {
	if len(namespaces) == 0 {
		return expr, nil
	}
	bindings := documentBindings(doc, skip)
	var failed error
	out := prefixedName.ReplaceAllStringFunc(expr, func(m string) string {
		parts := prefixedName.FindStringSubmatch(m)
		uri, ok := namespaces[parts[1]]
		if !ok {
			return m
		}
		docPrefix, ok := bindings[uri]
		if !ok {
			// Nothing in the document lives in this namespace.
			failed = fmt.Errorf("%w: namespace %s not used in document", ErrInvalidOptions, uri)
			return m
		}
		if docPrefix == "" {
			return parts[2]
		}
		return docPrefix + ":" + parts[2]
	})
	if failed != nil {
		return "", failed
	}
	return out, nil
}

// documentBindings maps namespace URIs to the first prefix declaring them,
// ignoring the subtree of skip.
func documentBindings(doc *etree.Document, skip *etree.Element) map[string]string {
	bindings := map[string]string{}
	var walk func(*etree.Element)
	walk = func(el *etree.Element) {
		if el == skip {
			return
		}
		for _, a := range el.Attr {
			switch {
			case a.Space == "xmlns":
				if _, ok := bindings[a.Value]; !ok {
					bindings[a.Value] = a.Key
				}
			case a.Space == "" && a.Key == "xmlns":
				if _, ok := bindings[a.Value]; !ok {
					bindings[a.Value] = ""
				}
			}
		}
		for _, c := range el.ChildElements() {
			walk(c)
		}
	}
	if root := doc.Root(); root != nil {
		walk(root)
	}
	return bindings
}

// canonicalize renders the node set under target as exclusive C14N. Each
// maximal included subtree is canonicalized with excluded descendants
// removed; included descendants of excluded elements follow as their own
// segments, in document order. A nil set includes the whole subtree.
func canonicalize(target *etree.Element, set nodeSet, prefixList string) ([]byte, error) {
	c14n := dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(prefixList)
	var out []byte
	var visit func(*etree.Element) error
	visit = func(el *etree.Element) error {
		if set != nil && !set[el] {
			for _, c := range el.ChildElements() {
				if err := visit(c); err != nil {
					return err
				}
			}
			return nil
		}
		var excluded []*etree.Element
		segment := detach(el, set, &excluded)
		b, err := c14n.Canonicalize(segment)
		if err != nil {
			return fmt.Errorf("canonicalization failed: %w", err)
		}
		out = append(out, b...)
		for _, ex := range excluded {
			for _, c := range ex.ChildElements() {
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := visit(target); err != nil {
		return nil, err
	}
	return out, nil
}

// detach copies el without the descendants outside set and adds the
// namespace declarations inherited from its ancestors. Excluded
// descendants are appended to excluded. A nil set keeps everything.
func detach(el *etree.Element, set nodeSet, excluded *[]*etree.Element) *etree.Element {
	cp := copyElement(el, set, excluded)
	declared := map[string]bool{}
	for _, a := range cp.Attr {
		if name, ok := nsDeclName(a); ok {
			declared[name] = true
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if name, ok := nsDeclName(a); ok && !declared[name] {
				declared[name] = true
				cp.CreateAttr(a.FullKey(), a.Value)
			}
		}
	}
	return cp
}

func copyElement(el *etree.Element, set nodeSet, excluded *[]*etree.Element) *etree.Element {
	cp := etree.NewElement(el.Tag)
	cp.Space = el.Space
	for _, a := range el.Attr {
		cp.CreateAttr(a.FullKey(), a.Value)
	}
	for _, tok := range el.Child {
		switch t := tok.(type) {
		case *etree.Element:
			if set == nil || set[t] {
				cp.AddChild(copyElement(t, set, excluded))
			} else if excluded != nil {
				*excluded = append(*excluded, t)
			}
		case *etree.CharData:
			cp.CreateText(t.Data)
		}
	}
	return cp
}

// nsDeclName returns the declared prefix ("" for the default namespace).
func nsDeclName(a etree.Attr) (string, bool) {
	switch {
	case a.Space == "xmlns":
		return a.Key, true
	case a.Space == "" && a.Key == "xmlns":
		return "", true
	}
	return "", false
}
