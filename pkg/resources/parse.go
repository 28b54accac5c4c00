package resources

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse builds a Resources from the compact text form used in
// configuration:
//
//	cpus:4;mem:4096;ports:[31000-32000,40000-41000];disks:{a,b}
//
// A role in parentheses after the name marks a static reservation for
// that role: "cpus(web):2". Value syntax selects the kind: a bare
// number is a scalar, [..] is ranges, {..} is a set.
func Parse(s string) (Resources, error) {
	var rs []Resource
	for _, tok := range strings.Split(s, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		r, err := parseOne(tok)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("no resources in %q", s)
	}
	return New(rs...)
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Resources {
	rs, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return rs
}

func parseOne(tok string) (Resource, error) {
	name, value, ok := strings.Cut(tok, ":")
	if !ok {
		return Resource{}, fmt.Errorf("invalid resource %q: missing ':'", tok)
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	role := DefaultRole
	reservation := ReservationNone
	if open := strings.IndexByte(name, '('); open >= 0 {
		if !strings.HasSuffix(name, ")") {
			return Resource{}, fmt.Errorf("invalid resource %q: unterminated role", tok)
		}
		role = name[open+1 : len(name)-1]
		name = name[:open]
		reservation = ReservationStatic
		if role == "" || role == DefaultRole {
			return Resource{}, fmt.Errorf("invalid resource %q: bad reservation role", tok)
		}
	}
	if name == "" {
		return Resource{}, fmt.Errorf("invalid resource %q: empty name", tok)
	}

	r := Resource{Name: name, Role: role, Reservation: reservation}
	switch {
	case strings.HasPrefix(value, "["):
		ranges, err := parseRanges(value)
		if err != nil {
			return Resource{}, fmt.Errorf("invalid resource %q: %w", tok, err)
		}
		r.Kind = KindRanges
		r.Ranges = ranges
	case strings.HasPrefix(value, "{"):
		items, err := parseSet(value)
		if err != nil {
			return Resource{}, fmt.Errorf("invalid resource %q: %w", tok, err)
		}
		r.Kind = KindSet
		r.Items = items
	default:
		scalar, err := ParseScalar(value)
		if err != nil {
			return Resource{}, fmt.Errorf("invalid resource %q: %w", tok, err)
		}
		r.Kind = KindScalar
		r.Scalar = scalar
	}
	return r, nil
}

func parseRanges(value string) (Ranges, error) {
	if !strings.HasSuffix(value, "]") {
		return nil, fmt.Errorf("unterminated ranges %q", value)
	}
	body := value[1 : len(value)-1]
	if body == "" {
		return nil, fmt.Errorf("empty ranges")
	}
	var out []Range
	for _, part := range strings.Split(body, ",") {
		begin, end, ok := strings.Cut(strings.TrimSpace(part), "-")
		if !ok {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		b, err := strconv.ParseUint(begin, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", part, err)
		}
		e, err := strconv.ParseUint(end, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", part, err)
		}
		if b > e {
			return nil, fmt.Errorf("invalid range %q: begin after end", part)
		}
		out = append(out, Range{b, e})
	}
	return NewRanges(out...), nil
}

func parseSet(value string) ([]string, error) {
	if !strings.HasSuffix(value, "}") {
		return nil, fmt.Errorf("unterminated set %q", value)
	}
	body := value[1 : len(value)-1]
	if body == "" {
		return nil, fmt.Errorf("empty set")
	}
	var items []string
	for _, it := range strings.Split(body, ",") {
		it = strings.TrimSpace(it)
		if it == "" {
			return nil, fmt.Errorf("empty set item in %q", value)
		}
		items = append(items, it)
	}
	return dedupe(items), nil
}

// ParseQuantities parses a scalar-only text form ("cpus:0.01" or
// "cpus:2;mem:1024") into Quantities, for thresholds and quota
// configuration.
func ParseQuantities(s string) (Quantities, error) {
	rs, err := Parse(s)
	if err != nil {
		return nil, err
	}
	for _, r := range rs {
		if r.Kind != KindScalar {
			return nil, fmt.Errorf("resource %q is not a scalar quantity", r.Name)
		}
	}
	return rs.Quantities(), nil
}
