package query

import (
	"strconv"
	"strings"
	"time"

	"icalq/internal/apperr"
	"icalq/internal/engine"
	"icalq/internal/ical"
)

// KmPerMile converts MI distance parameters into the kilometers the
// engine computes with.
const KmPerMile = 1.609344

// DefaultRadiusKm applies when an X-GEO filter omits its DIST parameter.
const DefaultRadiusKm = 10.0

// Parse turns a raw query string into a Query. The deadline bounds
// parsing work cooperatively: it is checked per token and exceeding it
// fails with ParseTimeout. A zero deadline disables the check.
func Parse(input string, deadline time.Time) (*Query, error) {
	p := &parser{
		tokens:   tokenize(input),
		deadline: deadline,
		query:    NewQuery(),
	}

	if err := p.parseTop(); err != nil {
		return nil, err
	}

	return p.query, nil
}

type parser struct {
	tokens   []string
	pos      int
	deadline time.Time
	query    *Query
}

// exprPart is one element of a boolean expression in source order:
// either an operand or an explicit connective.
type exprPart struct {
	node Node
	op   string // "AND" or "OR" when node is nil
}

func (p *parser) parseTop() error {
	var parts []exprPart

	for p.pos < len(p.tokens) {
		if err := p.checkDeadline(); err != nil {
			return err
		}

		token := p.tokens[p.pos]
		p.pos++

		switch {
		case token == "(":
			group, err := p.parseGroup()
			if err != nil {
				return err
			}
			parts = append(parts, exprPart{node: group})

		case token == ")":
			return apperr.New(apperr.KindParse, "unbalanced ')' in query")

		case token == "AND" || token == "OR":
			parts = append(parts, exprPart{op: token})

		default:
			consumed, err := p.parseQueryProperty(token)
			if err != nil {
				return err
			}
			if consumed {
				continue
			}
			node, err := parseFilterProperty(token)
			if err != nil {
				return err
			}
			parts = append(parts, exprPart{node: node})
		}
	}

	where, err := foldExpression(parts)
	if err != nil {
		return err
	}
	p.query.Where = where

	return nil
}

// parseGroup consumes a parenthesized where group up to its closing ')'.
// Only filters, nested groups and connectives may appear inside.
func (p *parser) parseGroup() (Node, error) {
	var parts []exprPart

	for {
		if err := p.checkDeadline(); err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) {
			return nil, apperr.New(apperr.KindParse, "unterminated '(' in query")
		}

		token := p.tokens[p.pos]
		p.pos++

		switch {
		case token == ")":
			child, err := foldExpression(parts)
			if err != nil {
				return nil, err
			}
			if child == nil {
				return nil, apperr.New(apperr.KindParse, "empty where group")
			}
			return GroupNode{Child: child}, nil

		case token == "(":
			group, err := p.parseGroup()
			if err != nil {
				return nil, err
			}
			parts = append(parts, exprPart{node: group})

		case token == "AND" || token == "OR":
			parts = append(parts, exprPart{op: token})

		default:
			node, err := parseFilterProperty(token)
			if err != nil {
				return nil, err
			}
			parts = append(parts, exprPart{node: node})
		}
	}
}

// foldExpression combines operands with their connectives. Adjacent
// operands default to AND, and AND binds tighter than OR.
func foldExpression(parts []exprPart) (Node, error) {
	if len(parts) == 0 {
		return nil, nil
	}

	var orChain []Node
	var andChain Node

	pendingOp := ""
	for _, part := range parts {
		if part.node == nil {
			if andChain == nil || pendingOp != "" {
				return nil, apperr.Newf(apperr.KindParse, "misplaced %s in query", part.op)
			}
			pendingOp = part.op
			continue
		}

		switch {
		case andChain == nil:
			andChain = part.node
		case pendingOp == "OR":
			orChain = append(orChain, andChain)
			andChain = part.node
		default: // explicit AND or adjacency
			andChain = AndNode{Left: andChain, Right: part.node}
		}
		pendingOp = ""
	}

	if pendingOp != "" {
		return nil, apperr.Newf(apperr.KindParse, "dangling %s in query", pendingOp)
	}

	orChain = append(orChain, andChain)

	tree := orChain[0]
	for _, next := range orChain[1:] {
		tree = OrNode{Left: tree, Right: next}
	}
	return tree, nil
}

// parseQueryProperty handles the non-filter properties. It reports false
// when the token is not one of them, leaving it to the filter parser.
func (p *parser) parseQueryProperty(token string) (bool, error) {
	line, err := ical.ParseContentLine(token)
	if err != nil {
		return false, err
	}

	switch line.Name {
	case "X-FROM":
		bound, err := parseRangeBound(line, true)
		if err != nil {
			return false, err
		}
		p.query.From = bound
		return true, nil

	case "X-UNTIL":
		bound, err := parseRangeBound(line, false)
		if err != nil {
			return false, err
		}
		p.query.Until = bound
		return true, nil

	case "X-LIMIT":
		limit, err := parseNonNegativeInt(line.Value, "X-LIMIT")
		if err != nil {
			return false, err
		}
		p.query.Limit = limit
		p.query.HasLimit = true
		return true, nil

	case "X-OFFSET":
		offset, err := parseNonNegativeInt(line.Value, "X-OFFSET")
		if err != nil {
			return false, err
		}
		p.query.Offset = offset
		return true, nil

	case "X-ORDER-BY":
		ordering, err := parseOrdering(line.Value)
		if err != nil {
			return false, err
		}
		p.query.Order = ordering
		return true, nil

	case "X-DISTINCT":
		if line.Value != "UID" {
			return false, apperr.Newf(apperr.KindParse, "unsupported X-DISTINCT value %q", line.Value)
		}
		p.query.DistinctUID = true
		return true, nil

	case "X-TZID":
		if !ical.ValidTZID(line.Value) {
			return false, apperr.Newf(apperr.KindParse, "unknown timezone %q", line.Value)
		}
		p.query.TZID = line.Value
		return true, nil
	}

	return false, nil
}

func parseFilterProperty(token string) (Node, error) {
	line, err := ical.ParseContentLine(token)
	if err != nil {
		return nil, err
	}

	op := strings.ToUpper(line.Params.Get("OP"))
	if op == "" {
		op = "AND"
	}
	if op != "AND" && op != "OR" {
		return nil, apperr.Newf(apperr.KindParse, "unsupported OP parameter %q on %s", op, line.Name)
	}

	switch line.Name {
	case "X-CATEGORIES":
		return combineValues(line.Value, op, line.Name, func(value string) Node {
			return CategoryFilter{Value: value}
		})

	case "X-LOCATION-TYPE":
		return combineValues(line.Value, op, line.Name, func(value string) Node {
			return LocationTypeFilter{Value: value}
		})

	case "X-CLASS":
		return combineValues(line.Value, op, line.Name, func(value string) Node {
			return ClassFilter{Value: value}
		})

	case "X-RELATED-TO":
		reltype := line.Params.Get("RELTYPE")
		if reltype == "" {
			reltype = ical.DefaultRelType
		}
		return combineValues(line.Value, op, line.Name, func(value string) Node {
			return RelatedToFilter{Term: engine.RelTerm{RelType: reltype, Value: value}}
		})

	case "X-UID":
		values := splitValues(line.Value)
		if len(values) == 0 {
			return nil, apperr.New(apperr.KindParse, "X-UID requires at least one value")
		}
		return UIDFilter{Values: values}, nil

	case "X-GEO":
		lat, lon, err := ical.ParseGeoValue(line.Value)
		if err != nil {
			return nil, err
		}
		radius, err := parseDistance(line.Params.Get("DIST"))
		if err != nil {
			return nil, err
		}
		return GeoFilter{Center: engine.GeoPoint{Lat: lat, Lon: lon}, RadiusKm: radius}, nil
	}

	return nil, apperr.Newf(apperr.KindParse, "unknown query property %q", line.Name)
}

func combineValues(raw, op, name string, build func(string) Node) (Node, error) {
	values := splitValues(raw)
	if len(values) == 0 {
		return nil, apperr.Newf(apperr.KindParse, "%s requires at least one value", name)
	}

	tree := build(values[0])
	for _, value := range values[1:] {
		if op == "OR" {
			tree = OrNode{Left: tree, Right: build(value)}
		} else {
			tree = AndNode{Left: tree, Right: build(value)}
		}
	}
	return tree, nil
}

func splitValues(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}

func parseRangeBound(line ical.ContentLine, lower bool) (*RangeBound, error) {
	prop := RangeDTStart
	switch strings.ToUpper(line.Params.Get("PROP")) {
	case "", "DTSTART":
	case "DTEND":
		prop = RangeDTEnd
	default:
		return nil, apperr.Newf(apperr.KindParse, "unsupported PROP parameter %q on %s", line.Params.Get("PROP"), line.Name)
	}

	inclusive := false
	op := strings.ToUpper(line.Params.Get("OP"))
	switch {
	case op == "":
	case lower && op == "GT", !lower && op == "LT":
	case lower && op == "GTE", !lower && op == "LTE":
		inclusive = true
	default:
		return nil, apperr.Newf(apperr.KindParse, "unsupported OP parameter %q on %s", op, line.Name)
	}

	unix, err := ical.ParseDateTime(line.Value, line.Params.Get("TZID"))
	if err != nil {
		return nil, err
	}

	return &RangeBound{Prop: prop, UTC: unix, Inclusive: inclusive}, nil
}

func parseOrdering(value string) (Ordering, error) {
	parts := strings.Split(value, ";")

	switch parts[0] {
	case "DTSTART":
		if len(parts) != 1 {
			return Ordering{}, apperr.Newf(apperr.KindParse, "X-ORDER-BY:DTSTART takes no arguments, got %q", value)
		}
		return Ordering{Kind: OrderDTStart}, nil

	case "DTSTART-GEO-DIST", "GEO-DIST-DTSTART":
		if len(parts) != 3 {
			return Ordering{}, apperr.Newf(apperr.KindParse, "X-ORDER-BY:%s requires lat;lon", parts[0])
		}
		lat, lon, err := ical.ParseGeoValue(parts[1] + ";" + parts[2])
		if err != nil {
			return Ordering{}, err
		}
		kind := OrderDTStartGeoDist
		if parts[0] == "GEO-DIST-DTSTART" {
			kind = OrderGeoDistDTStart
		}
		return Ordering{Kind: kind, Point: engine.GeoPoint{Lat: lat, Lon: lon}}, nil
	}

	return Ordering{}, apperr.Newf(apperr.KindParse, "unsupported X-ORDER-BY value %q", value)
}

func parseDistance(raw string) (float64, error) {
	if raw == "" {
		return DefaultRadiusKm, nil
	}

	unit := 1.0
	switch {
	case strings.HasSuffix(raw, "KM"):
		raw = strings.TrimSuffix(raw, "KM")
	case strings.HasSuffix(raw, "MI"):
		raw = strings.TrimSuffix(raw, "MI")
		unit = KmPerMile
	default:
		return 0, apperr.Newf(apperr.KindParse, "DIST requires a KM or MI unit, got %q", raw)
	}

	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n <= 0 {
		return 0, apperr.Newf(apperr.KindParse, "invalid DIST value %q", raw)
	}

	return n * unit, nil
}

func parseNonNegativeInt(raw, name string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Newf(apperr.KindParse, "%s requires a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

func (p *parser) checkDeadline() error {
	if !p.deadline.IsZero() && time.Now().After(p.deadline) {
		return apperr.New(apperr.KindParseTimeout, "query parsing exceeded its deadline")
	}
	return nil
}

// tokenize splits the query on whitespace and peels parentheses off
// token edges so groups parse regardless of spacing.
func tokenize(input string) []string {
	var tokens []string

	for _, field := range strings.Fields(input) {
		for strings.HasPrefix(field, "(") {
			tokens = append(tokens, "(")
			field = field[1:]
		}

		var trailing int
		for strings.HasSuffix(field, ")") {
			trailing++
			field = field[:len(field)-1]
		}

		if field != "" {
			tokens = append(tokens, field)
		}
		for ; trailing > 0; trailing-- {
			tokens = append(tokens, ")")
		}
	}

	return tokens
}
