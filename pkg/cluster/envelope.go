package cluster

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// entryKind tags the payload of a normal log entry.
type entryKind uint8

const (
	kindCommand   entryKind = 1
	kindReserveID entryKind = 2
)

func (k entryKind) String() string {
	switch k {
	case kindCommand:
		return "command"
	case kindReserveID:
		return "reserve_id"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// proposal is the envelope of every normal entry proposed by this package.
// RequestID matches the entry to the waiting proposer on the leader.
type proposal struct {
	Kind      entryKind `msgpack:"k"`
	RequestID string    `msgpack:"r"`
	Data      []byte    `msgpack:"d,omitempty"`
}

func encodeProposal(p *proposal) ([]byte, error) {
	return msgpack.Marshal(p)
}

func decodeProposal(data []byte) (*proposal, error) {
	var p proposal
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// confContext travels in ConfChangeV2.Context.
type confContext struct {
	RequestID string `msgpack:"r"`
	NodeID    uint64 `msgpack:"id"`
	Addr      string `msgpack:"addr,omitempty"`
}

func encodeConfContext(cctx *confContext) ([]byte, error) {
	return msgpack.Marshal(cctx)
}

func decodeConfContext(data []byte) (confContext, error) {
	var cctx confContext
	if len(data) == 0 {
		return cctx, nil
	}
	err := msgpack.Unmarshal(data, &cctx)
	return cctx, err
}

// snapshotEnvelope is the payload of every snapshot: the plugin state plus
// the membership table at the same index.
type snapshotEnvelope struct {
	Membership MembershipState `msgpack:"membership"`
	Machine    []byte          `msgpack:"machine"`
}

func encodeSnapshot(env *snapshotEnvelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func decodeSnapshot(data []byte) (*snapshotEnvelope, error) {
	var env snapshotEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot envelope: %w", err)
	}
	return &env, nil
}

func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func decodeID(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid id result of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}
