package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/protocol/tlv"
)

// MaxValueDepth bounds nesting of lists, maps and nodes in either direction.
const MaxValueDepth = 64

// Nested field ids inside composite values.
const (
	mapKey   uint16 = 1
	mapValue uint16 = 2

	nodeName  uint16 = 1
	nodeKind  uint16 = 2
	nodeProp  uint16 = 3
	nodeChild uint16 = 4

	propName  uint16 = 1
	propValue uint16 = 2
)

// EncodeValue encodes v as a single field with the given id. v is canonicalized first.
func EncodeValue(id uint16, v any) (tlv.Field, error) {
	return encodeValue(id, modelgraph.Canonical(v), 0)
}

// DecodeValue reverses EncodeValue.
func DecodeValue(f tlv.Field) (any, error) {
	return decodeValue(f, 0)
}

// EncodeNode encodes a model subtree as a TypeNode field.
func EncodeNode(id uint16, n *modelgraph.Node) (tlv.Field, error) {
	if n == nil {
		return tlv.Field{}, fmt.Errorf("%w: nil node", ErrUnsupportedValue)
	}
	return encodeNode(id, n, 0)
}

// DecodeNode decodes a TypeNode field.
func DecodeNode(f tlv.Field) (*modelgraph.Node, error) {
	if err := tlv.MustType(f, tlv.TypeNode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedValue, err)
	}
	return decodeNode(f, 0)
}

func encodeValue(id uint16, v any, depth int) (tlv.Field, error) {
	if depth > MaxValueDepth {
		return tlv.Field{}, ErrValueTooDeep
	}
	switch x := v.(type) {
	case nil:
		return tlv.Field{ID: id, Type: tlv.TypeNull}, nil
	case bool:
		return tlv.Bool(id, x), nil
	case int64:
		return tlv.I64(id, x), nil
	case float64:
		return tlv.F64(id, x), nil
	case string:
		return tlv.String(id, x), nil
	case []byte:
		return tlv.Field{ID: id, Type: tlv.TypeBytes, Value: append([]byte(nil), x...)}, nil
	case time.Time:
		buf := make([]byte, 12)
		binary.BigEndian.PutUint64(buf[0:8], uint64(x.Unix()))
		binary.BigEndian.PutUint32(buf[8:12], uint32(x.Nanosecond()))
		return tlv.Field{ID: id, Type: tlv.TypeTime, Value: buf}, nil
	case []any:
		elems := make([]tlv.Field, 0, len(x))
		for _, e := range x {
			f, err := encodeValue(0, e, depth+1)
			if err != nil {
				return tlv.Field{}, err
			}
			elems = append(elems, f)
		}
		return tlv.Nested(id, tlv.TypeList, elems), nil
	case map[string]any:
		elems := make([]tlv.Field, 0, 2*len(x))
		for _, k := range modelgraph.SortedKeys(x) {
			f, err := encodeValue(mapValue, x[k], depth+1)
			if err != nil {
				return tlv.Field{}, err
			}
			elems = append(elems, tlv.String(mapKey, k), f)
		}
		return tlv.Nested(id, tlv.TypeMap, elems), nil
	case *modelgraph.Node:
		if x == nil {
			return tlv.Field{ID: id, Type: tlv.TypeNull}, nil
		}
		return encodeNode(id, x, depth)
	default:
		return tlv.Field{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func encodeNode(id uint16, n *modelgraph.Node, depth int) (tlv.Field, error) {
	if depth > MaxValueDepth {
		return tlv.Field{}, ErrValueTooDeep
	}
	fields := []tlv.Field{tlv.String(nodeName, n.Name), tlv.String(nodeKind, n.Kind)}
	for _, p := range n.Props {
		vf, err := encodeValue(propValue, modelgraph.Canonical(p.Value), depth+1)
		if err != nil {
			return tlv.Field{}, fmt.Errorf("node %s property %s: %w", n.Name, p.Name, err)
		}
		fields = append(fields, tlv.Nested(nodeProp, tlv.TypeStruct, []tlv.Field{tlv.String(propName, p.Name), vf}))
	}
	for _, c := range n.Children {
		cf, err := encodeNode(nodeChild, c, depth+1)
		if err != nil {
			return tlv.Field{}, err
		}
		fields = append(fields, cf)
	}
	return tlv.Nested(id, tlv.TypeNode, fields), nil
}

func decodeValue(f tlv.Field, depth int) (any, error) {
	if depth > MaxValueDepth {
		return nil, ErrValueTooDeep
	}
	switch f.Type {
	case tlv.TypeNull:
		return nil, nil
	case tlv.TypeBool:
		return wrapMalformed(tlv.BoolFromBytes(f.Value))
	case tlv.TypeI64:
		return wrapMalformed(tlv.I64FromBytes(f.Value))
	case tlv.TypeF64:
		return wrapMalformed(tlv.F64FromBytes(f.Value))
	case tlv.TypeString:
		return string(f.Value), nil
	case tlv.TypeBytes:
		return append([]byte{}, f.Value...), nil
	case tlv.TypeTime:
		if len(f.Value) != 12 {
			return nil, fmt.Errorf("%w: time length %d", ErrMalformedValue, len(f.Value))
		}
		sec := int64(binary.BigEndian.Uint64(f.Value[0:8]))
		nsec := int64(binary.BigEndian.Uint32(f.Value[8:12]))
		return time.Unix(sec, nsec).UTC(), nil
	case tlv.TypeList:
		elems, err := decodeNested(f)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(elems))
		for _, e := range elems {
			v, err := decodeValue(e, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case tlv.TypeMap:
		elems, err := decodeNested(f)
		if err != nil {
			return nil, err
		}
		if len(elems)%2 != 0 {
			return nil, fmt.Errorf("%w: odd map entry count", ErrMalformedValue)
		}
		out := make(map[string]any, len(elems)/2)
		for i := 0; i < len(elems); i += 2 {
			if elems[i].ID != mapKey || elems[i].Type != tlv.TypeString || elems[i+1].ID != mapValue {
				return nil, fmt.Errorf("%w: map entry %d", ErrMalformedValue, i/2)
			}
			v, err := decodeValue(elems[i+1], depth+1)
			if err != nil {
				return nil, err
			}
			out[string(elems[i].Value)] = v
		}
		return out, nil
	case tlv.TypeNode:
		return decodeNode(f, depth)
	default:
		return nil, fmt.Errorf("%w: tlv type %d", ErrUnsupportedValue, f.Type)
	}
}

func decodeNode(f tlv.Field, depth int) (*modelgraph.Node, error) {
	if depth > MaxValueDepth {
		return nil, ErrValueTooDeep
	}
	fields, err := decodeNested(f)
	if err != nil {
		return nil, err
	}
	name, ok := tlv.GetField(fields, nodeName)
	if !ok || name.Type != tlv.TypeString {
		return nil, fmt.Errorf("%w: node without name", ErrMalformedValue)
	}
	n := modelgraph.NewNode(string(name.Value), "")
	if kind, ok := tlv.GetField(fields, nodeKind); ok && kind.Type == tlv.TypeString {
		n.Kind = string(kind.Value)
	}
	for _, pf := range tlv.GetFields(fields, nodeProp) {
		parts, err := decodeNested(pf)
		if err != nil {
			return nil, err
		}
		pn, ok := tlv.GetField(parts, propName)
		if !ok || pn.Type != tlv.TypeString {
			return nil, fmt.Errorf("%w: property without name on %s", ErrMalformedValue, n.Name)
		}
		pv, ok := tlv.GetField(parts, propValue)
		if !ok {
			return nil, fmt.Errorf("%w: property %s without value", ErrMalformedValue, pn.Value)
		}
		v, err := decodeValue(pv, depth+1)
		if err != nil {
			return nil, err
		}
		n.Props = append(n.Props, modelgraph.Property{Name: string(pn.Value), Value: v})
	}
	for _, cf := range tlv.GetFields(fields, nodeChild) {
		if cf.Type != tlv.TypeNode {
			return nil, fmt.Errorf("%w: child of %s is tlv type %d", ErrMalformedValue, n.Name, cf.Type)
		}
		c, err := decodeNode(cf, depth+1)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, c)
	}
	return n, nil
}

func decodeNested(f tlv.Field) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(f.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedValue, err)
	}
	return fields, nil
}

func wrapMalformed[T any](v T, err error) (any, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedValue, err)
	}
	return v, nil
}
