package storage

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	recordTypeCommit     byte = 1
	recordTypeCheckpoint byte = 2
)

const (
	fieldOp     protowire.Number = 1
	fieldKey    protowire.Number = 1
	fieldValue  protowire.Number = 2
	fieldDelete protowire.Number = 3
)

type op struct {
	key     string
	value   []byte
	deleted bool
}

func marshalRecord(recType byte, ops []op) []byte {
	buf := []byte{recType}
	for _, o := range ops {
		var inner []byte
		inner = protowire.AppendTag(inner, fieldKey, protowire.BytesType)
		inner = protowire.AppendString(inner, o.key)
		if o.deleted {
			inner = protowire.AppendTag(inner, fieldDelete, protowire.VarintType)
			inner = protowire.AppendVarint(inner, 1)
		} else {
			inner = protowire.AppendTag(inner, fieldValue, protowire.BytesType)
			inner = protowire.AppendBytes(inner, o.value)
		}
		buf = protowire.AppendTag(buf, fieldOp, protowire.BytesType)
		buf = protowire.AppendBytes(buf, inner)
	}
	return buf
}

func unmarshalRecord(data []byte) (byte, []op, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("%w: empty record", ErrCorruptRecord)
	}
	recType, b := data[0], data[1:]
	var ops []op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldOp || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, nil, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		o, err := unmarshalOp(inner)
		if err != nil {
			return 0, nil, err
		}
		ops = append(ops, o)
	}
	return recType, ops, nil
}

func unmarshalOp(b []byte) (op, error) {
	var o op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return op{}, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return op{}, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(m))
			}
			o.key, n = v, m
		case num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return op{}, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(m))
			}
			o.value, n = append([]byte{}, v...), m
		case num == fieldDelete && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return op{}, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(m))
			}
			o.deleted, n = v != 0, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return op{}, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return o, nil
}
