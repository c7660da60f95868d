// Package wire holds the request and response messages of the gRPC
// services. Raft peer RPCs carry raftpb messages as-is; the remaining
// messages are encoded by hand with protowire.
package wire

import (
	"errors"
	"fmt"

	"concord/internal/command"

	"go.etcd.io/raft/v3/raftpb"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("wire: malformed message")

// SnapshotRequest carries an InstallSnapshot RPC.
type SnapshotRequest struct {
	Message  raftpb.Message
	Snapshot raftpb.Snapshot
}

func (r *SnapshotRequest) Marshal() ([]byte, error) {
	msg, err := r.Message.Marshal()
	if err != nil {
		return nil, err
	}
	snap, err := r.Snapshot.Marshal()
	if err != nil {
		return nil, err
	}
	var b []byte
	b = appendBytes(b, 1, msg)
	b = appendBytes(b, 2, snap)
	return b, nil
}

func (r *SnapshotRequest) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, r.Message.Unmarshal(v)
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, r.Snapshot.Unmarshal(v)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

type SubmitRequest struct {
	Command command.Command
}

func (r *SubmitRequest) Marshal() ([]byte, error) {
	return command.Encode(r.Command), nil
}

func (r *SubmitRequest) Unmarshal(data []byte) error {
	cmd, err := command.Decode(data)
	if err != nil {
		return err
	}
	r.Command = cmd
	return nil
}

type SubmitResponse struct {
	Value    []byte
	HasValue bool
}

func (r *SubmitResponse) Marshal() ([]byte, error) {
	var b []byte
	if r.HasValue {
		b = appendBytes(b, 1, r.Value)
	}
	return b, nil
}

func (r *SubmitResponse) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			r.Value, r.HasValue = append([]byte{}, v...), true
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

type ReadRequest struct {
	Key string
}

func (r *ReadRequest) Marshal() ([]byte, error) {
	return appendBytes(nil, 1, []byte(r.Key)), nil
}

func (r *ReadRequest) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			r.Key = string(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

type ReadResponse struct {
	Value []byte
	Found bool
}

func (r *ReadResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, r.Value)
	b = appendBool(b, 2, r.Found)
	return b, nil
}

func (r *ReadResponse) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Value = append([]byte{}, v...)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Found = v != 0
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Empty is the request of parameterless RPCs.
type Empty struct{}

func (*Empty) Marshal() ([]byte, error) { return nil, nil }
func (*Empty) Unmarshal([]byte) error   { return nil }

type StatusResponse struct {
	NodeID     uint64
	TopologyID string
	Role       string
	Term       uint64
	Leader     uint64
	Commit     uint64
	Applied    uint64
	FirstIndex uint64
	LastIndex  uint64
}

func (r *StatusResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, r.NodeID)
	b = appendBytes(b, 2, []byte(r.TopologyID))
	b = appendBytes(b, 3, []byte(r.Role))
	b = appendVarint(b, 4, r.Term)
	b = appendVarint(b, 5, r.Leader)
	b = appendVarint(b, 6, r.Commit)
	b = appendVarint(b, 7, r.Applied)
	b = appendVarint(b, 8, r.FirstIndex)
	b = appendVarint(b, 9, r.LastIndex)
	return b, nil
}

func (r *StatusResponse) Unmarshal(data []byte) error {
	u64 := map[protowire.Number]*uint64{
		1: &r.NodeID, 4: &r.Term, 5: &r.Leader, 6: &r.Commit,
		7: &r.Applied, 8: &r.FirstIndex, 9: &r.LastIndex,
	}
	str := map[protowire.Number]*string{2: &r.TopologyID, 3: &r.Role}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if p, ok := u64[num]; ok && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			*p = v
			return n, nil
		}
		if p, ok := str[num]; ok && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			*p = string(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

type ClusterLogRequest struct {
	Start    uint64
	PageSize uint64
}

func (r *ClusterLogRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, r.Start)
	b = appendVarint(b, 2, r.PageSize)
	return b, nil
}

func (r *ClusterLogRequest) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeVarint(b)
			if num == 1 {
				r.Start = v
			} else {
				r.PageSize = v
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

type LogEntry struct {
	Index     uint64
	Term      uint64
	Committed bool
	Summary   string
}

type ClusterLogResponse struct {
	FirstIndex uint64
	LastIndex  uint64
	Entries    []LogEntry
}

func (r *ClusterLogResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, r.FirstIndex)
	b = appendVarint(b, 2, r.LastIndex)
	for _, e := range r.Entries {
		var eb []byte
		eb = appendVarint(eb, 1, e.Index)
		eb = appendVarint(eb, 2, e.Term)
		eb = appendBool(eb, 3, e.Committed)
		eb = appendBytes(eb, 4, []byte(e.Summary))
		b = appendBytes(b, 3, eb)
	}
	return b, nil
}

func (r *ClusterLogResponse) Unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.FirstIndex = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.LastIndex = v
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := unmarshalLogEntry(v)
			if err != nil {
				return n, err
			}
			r.Entries = append(r.Entries, e)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func unmarshalLogEntry(data []byte) (LogEntry, error) {
	var e LogEntry
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType && num <= 3:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 1:
				e.Index = v
			case 2:
				e.Term = v
			case 3:
				e.Committed = v != 0
			}
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.Summary = string(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return e, err
}

// walk calls fn for every field in data. fn consumes the field value and
// returns the number of bytes read, negative on a protowire error.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}
