package cluster

import (
	"math"

	"concord/internal/command"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

type Status struct {
	NodeID     uint64 `json:"node_id"`
	TopologyID string `json:"topology_id"`
	Role       string `json:"role"`
	Term       uint64 `json:"term"`
	Leader     uint64 `json:"leader"`
	Commit     uint64 `json:"commit"`
	Applied    uint64 `json:"applied"`
	FirstIndex uint64 `json:"first_index"`
	LastIndex  uint64 `json:"last_index"`
}

func (e *Engine) Status() Status {
	st := e.node.Status()
	return Status{
		NodeID:     st.ID,
		TopologyID: e.cfg.TopologyID,
		Role:       st.Role.String(),
		Term:       st.Term,
		Leader:     st.Lead,
		Commit:     st.Commit,
		Applied:    e.sm.LastApplied(),
		FirstIndex: st.FirstIndex,
		LastIndex:  st.LastIndex,
	}
}

// LogEntryView is one row of the cluster log debug view.
type LogEntryView struct {
	Index     uint64 `json:"index"`
	Term      uint64 `json:"term"`
	Committed bool   `json:"committed"`
	Summary   string `json:"summary"`
}

type LogPage struct {
	FirstIndex uint64         `json:"first_index"`
	LastIndex  uint64         `json:"last_index"`
	Entries    []LogEntryView `json:"entries"`
}

// ClusterLog returns up to pageSize entries starting at start. A start below
// the first retained index is moved up to it.
func (e *Engine) ClusterLog(start, pageSize uint64) (LogPage, error) {
	first, last := e.log.FirstIndex(), e.log.LastIndex()
	page := LogPage{FirstIndex: first, LastIndex: last, Entries: []LogEntryView{}}
	if pageSize == 0 {
		return page, nil
	}
	start = max(start, first)
	if start > last {
		return page, nil
	}

	hi := last + 1
	if pageSize < hi-start {
		hi = start + pageSize
	}
	ents, err := e.log.Entries(start, hi, math.MaxUint64)
	if err != nil {
		return page, err
	}

	commit := e.node.CommitIndex()
	for _, ent := range ents {
		page.Entries = append(page.Entries, LogEntryView{
			Index:     ent.Index,
			Term:      ent.Term,
			Committed: ent.Index <= commit,
			Summary:   describe(ent),
		})
	}
	return page, nil
}

func describe(ent raftpb.Entry) string {
	return etcdraft.DescribeEntry(ent, func(data []byte) string {
		if len(data) == 0 {
			return ""
		}
		cmd, err := command.Decode(data)
		if err != nil {
			return "<undecodable>"
		}
		return cmd.Summary()
	})
}
