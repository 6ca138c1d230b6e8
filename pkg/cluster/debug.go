package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lumadb/rsm/pkg/pool"
	"github.com/lumadb/rsm/pkg/statemachine"
	"github.com/lumadb/rsm/pkg/storage"
	pb "go.etcd.io/raft/v3/raftpb"
)

// DebugInfo is the introspection document returned by DebugNode.
type DebugInfo struct {
	NodeID       uint64                    `json:"node_id"`
	Addr         string                    `json:"addr"`
	LeaderID     uint64                    `json:"leader_id"`
	LeaderAddr   string                    `json:"leader_addr"`
	Raft         json.RawMessage           `json:"raft,omitempty"`
	HardState    storage.HardState         `json:"hard_state"`
	ConfState    storage.ConfState         `json:"conf_state"`
	FirstIndex   uint64                    `json:"first_index"`
	LastIndex    uint64                    `json:"last_index"`
	AppliedIndex uint64                    `json:"applied_index"`
	Snapshot     storage.SnapshotMetadata  `json:"snapshot"`
	Membership   MembershipState           `json:"membership"`
	Pending      int                       `json:"pending_proposals"`
	Connections  map[string]pool.PoolStats `json:"connections"`
	Error        string                    `json:"error,omitempty"`
}

// Debug collects the node's internal state.
func (n *Node) Debug() (*DebugInfo, error) {
	leaderID, leaderAddr := n.Leader()
	info := &DebugInfo{
		NodeID:       n.id,
		Addr:         n.addr,
		LeaderID:     leaderID,
		LeaderAddr:   leaderAddr,
		AppliedIndex: n.machine.Applied(),
		Membership:   n.members.state(),
		Pending:      n.waits.len(),
		Connections:  n.client.Stats(),
	}
	if err := n.Err(); err != nil {
		info.Error = err.Error()
	}

	var err error
	if info.HardState, info.ConfState, err = n.storage.InitialState(); err != nil {
		return nil, err
	}
	if info.FirstIndex, err = n.storage.FirstIndex(); err != nil {
		return nil, err
	}
	if info.LastIndex, err = n.storage.LastIndex(); err != nil {
		return nil, err
	}
	snap, err := n.storage.Snapshot(0, 0)
	if err != nil {
		return nil, err
	}
	info.Snapshot = snap.Metadata

	if r := n.raftNode(); r != nil && n.Err() == nil {
		status, err := json.Marshal(r.Status())
		if err != nil {
			return nil, err
		}
		info.Raft = status
	}
	return info, nil
}

// DebugNode returns Debug as JSON.
func (n *Node) DebugNode(ctx context.Context) (string, error) {
	info, err := n.Debug()
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EntryInfo is a readable rendering of one log entry.
type EntryInfo struct {
	Index  uint64 `json:"index"`
	Term   uint64 `json:"term"`
	Type   string `json:"type"`
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DescribeEntries renders stored entries. Command payloads are decoded with
// the LogEntry decoder of reg; a failing decode is reported per entry.
func DescribeEntries(ents []storage.Entry, reg *statemachine.Registry) []EntryInfo {
	out := make([]EntryInfo, 0, len(ents))
	for _, e := range ents {
		info := EntryInfo{Index: e.Index, Term: e.Term, Type: e.Type.String()}
		switch e.Type {
		case storage.EntryConfChange:
			var cc pb.ConfChangeV2
			if err := cc.Unmarshal(e.Data); err != nil {
				info.Error = err.Error()
				break
			}
			info.Detail = pb.ConfChangesToString(cc.Changes)
			if cctx, err := decodeConfContext(cc.Context); err == nil && cctx.Addr != "" {
				info.Detail += " @" + cctx.Addr
			}
		default:
			describeNormal(&info, e.Data, reg)
		}
		out = append(out, info)
	}
	return out
}

func describeNormal(info *EntryInfo, data []byte, reg *statemachine.Registry) {
	if len(data) == 0 {
		info.Kind = "empty"
		return
	}
	p, err := decodeProposal(data)
	if err != nil {
		info.Error = err.Error()
		return
	}
	info.Kind = p.Kind.String()
	if p.Kind != kindCommand || reg == nil {
		return
	}
	entry, err := reg.DecodeLogEntry(p.Data)
	if err != nil {
		info.Error = err.Error()
		return
	}
	info.Detail = describe(entry)
}

// SnapshotInfo is a readable rendering of a stored snapshot.
type SnapshotInfo struct {
	Metadata   storage.SnapshotMetadata `json:"metadata"`
	Membership MembershipState          `json:"membership"`
	State      string                   `json:"state,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// DescribeSnapshot renders snap, decoding the plugin state with the
// StateMachine decoder of reg.
func DescribeSnapshot(snap storage.Snapshot, reg *statemachine.Registry) SnapshotInfo {
	info := SnapshotInfo{Metadata: snap.Metadata}
	if snap.IsEmpty() {
		return info
	}
	env, err := decodeSnapshot(snap.Data)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Membership = env.Membership
	if reg == nil {
		return info
	}
	sm, err := reg.DecodeStateMachine(env.Machine)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.State = describe(sm)
	return info
}

func describe(v interface{}) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", v)
}
