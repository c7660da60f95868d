package command

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKind      protowire.Number = 1
	fieldKey       protowire.Number = 2
	fieldValue     protowire.Number = 3
	fieldExpected  protowire.Number = 4
	fieldDelta     protowire.Number = 5
	fieldRequestID protowire.Number = 6
)

// Encode produces the log entry payload for c. The layout is protobuf wire
// format so unknown fields written by newer nodes are skipped on decode.
func Encode(c Command) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Kind))
	if c.Key != "" {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, c.Key)
	}
	if c.Value != nil {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Value)
	}
	if c.Expected != nil {
		b = protowire.AppendTag(b, fieldExpected, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Expected)
	}
	if c.Delta != 0 {
		b = protowire.AppendTag(b, fieldDelta, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(c.Delta))
	}
	if c.RequestID != "" {
		b = protowire.AppendTag(b, fieldRequestID, protowire.BytesType)
		b = protowire.AppendString(b, c.RequestID)
	}
	return b
}

func Decode(data []byte) (Command, error) {
	var c Command
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Command{}, decodeErr(n)
		}
		data = data[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Command{}, decodeErr(m)
			}
			c.Kind, n = Kind(v), m
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return Command{}, decodeErr(m)
			}
			c.Key, n = v, m
		case num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Command{}, decodeErr(m)
			}
			c.Value, n = append([]byte{}, v...), m
		case num == fieldExpected && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Command{}, decodeErr(m)
			}
			c.Expected, n = append([]byte{}, v...), m
		case num == fieldDelta && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Command{}, decodeErr(m)
			}
			c.Delta, n = protowire.DecodeZigZag(v), m
		case num == fieldRequestID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return Command{}, decodeErr(m)
			}
			c.RequestID, n = v, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Command{}, decodeErr(n)
			}
		}
		data = data[n:]
	}
	return c, nil
}

func decodeErr(n int) error {
	return fmt.Errorf("%w: decode: %v", ErrInvalidCommand, protowire.ParseError(n))
}
