package where

import (
	"encoding/json"
	"fmt"

	"github.com/flashvec/corevdb/internal/coreerr"
)

// ParseJSON parses the wire format from spec §6: a JSON object with a
// single top-level key, recursively expanded into a Where tree. Syntax
// errors and empty $in/$nin arrays both surface as InvalidWhereClause
// (mapped here to coreerr.InvalidArgument, this package's equivalent).
func ParseJSON(data []byte) (*Where, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidArgument, "where: invalid where clause", err)
	}
	if len(raw) != 1 {
		return nil, coreerr.New(coreerr.InvalidArgument, "where: invalid where clause: expected exactly one top-level key")
	}
	for k, v := range raw {
		return parseNode(k, v)
	}
	panic("unreachable")
}

func parseNode(key string, value json.RawMessage) (*Where, error) {
	switch key {
	case "$and", "$or":
		var children []json.RawMessage
		if err := json.Unmarshal(value, &children); err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidArgument, "where: invalid where clause", err)
		}
		nodes := make([]*Where, 0, len(children))
		for _, c := range children {
			var m map[string]json.RawMessage
			if err := json.Unmarshal(c, &m); err != nil {
				return nil, coreerr.Wrap(coreerr.InvalidArgument, "where: invalid where clause", err)
			}
			if len(m) != 1 {
				return nil, coreerr.New(coreerr.InvalidArgument, "where: invalid where clause")
			}
			for ck, cv := range m {
				node, err := parseNode(ck, cv)
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, node)
			}
		}
		op := And
		if key == "$or" {
			op = Or
		}
		return &Where{IsComposite: true, Op: op, Children: nodes}, nil
	case "$contains":
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidArgument, "where: invalid where clause", err)
		}
		return NewDocument(Contains, text), nil
	case "$not_contains":
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidArgument, "where: invalid where clause", err)
		}
		return NewDocument(NotContains, text), nil
	default:
		return parseMetadataField(key, value)
	}
}

// parseMetadataField handles `{"key": <scalar|operator-object>}`.
func parseMetadataField(key string, value json.RawMessage) (*Where, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err == nil && obj != nil {
		if len(obj) != 1 {
			return nil, coreerr.New(coreerr.InvalidArgument, "where: invalid where clause: expected single operator")
		}
		for op, raw := range obj {
			return parseOperator(key, op, raw)
		}
	}

	v, err := parseScalar(value)
	if err != nil {
		return nil, err
	}
	return NewMetadata(key, MetadataComparison{Primitive: Eq, Value: v}), nil
}

func parseOperator(key, op string, raw json.RawMessage) (*Where, error) {
	switch op {
	case "$eq", "$ne", "$lt", "$lte", "$gt", "$gte":
		v, err := parseScalar(raw)
		if err != nil {
			return nil, err
		}
		return NewMetadata(key, MetadataComparison{Primitive: primitiveOpOf(op), Value: v}), nil
	case "$in", "$nin":
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidArgument, "where: invalid where clause", err)
		}
		if len(arr) == 0 {
			return nil, coreerr.New(coreerr.InvalidArgument, "where: invalid where clause: empty $in/$nin")
		}
		values := make([]Value, 0, len(arr))
		for _, e := range arr {
			v, err := parseScalar(e)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		setOp := In
		if op == "$nin" {
			setOp = NotIn
		}
		return NewMetadata(key, MetadataComparison{IsSet: true, Set: setOp, Values: values}), nil
	default:
		return nil, coreerr.New(coreerr.InvalidArgument, fmt.Sprintf("where: invalid where clause: unknown operator %q", op))
	}
}

func primitiveOpOf(op string) PrimitiveOp {
	switch op {
	case "$ne":
		return Ne
	case "$lt":
		return Lt
	case "$lte":
		return Lte
	case "$gt":
		return Gt
	case "$gte":
		return Gte
	default:
		return Eq
	}
}

func parseScalar(raw json.RawMessage) (Value, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return StringValue(s), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return BoolValue(b), nil
	}
	var i int64
	if err := json.Unmarshal(raw, &i); err == nil {
		return IntValue(i), nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return FloatValue(f), nil
	}
	return Value{}, coreerr.New(coreerr.InvalidArgument, "where: invalid where clause: unsupported scalar type")
}
