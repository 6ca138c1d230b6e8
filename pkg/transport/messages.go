package transport

// Wire types of the raft service. They are encoded with msgpack.

type Empty struct{}

// MessageRequest carries marshaled raftpb.Message values. From is the raft
// address of the sending node.
type MessageRequest struct {
	From     string   `msgpack:"from"`
	Messages [][]byte `msgpack:"messages"`
}

type RequestIdRequest struct{}

// RequestIdResponse is the result of an id reservation. Peers lists the
// members known to the leader at reservation time.
type RequestIdResponse struct {
	ReservedID uint64            `msgpack:"reserved_id" json:"reserved_id"`
	LeaderID   uint64            `msgpack:"leader_id" json:"leader_id"`
	LeaderAddr string            `msgpack:"leader_addr" json:"leader_addr"`
	Peers      map[uint64]string `msgpack:"peers" json:"peers"`
}

type BootstrapReadyRequest struct {
	ID   uint64 `msgpack:"id"`
	Addr string `msgpack:"addr"`
}

type RemoveMemberRequest struct {
	ID uint64 `msgpack:"id"`
}

type DebugNodeRequest struct{}

type DebugNodeResponse struct {
	JSON string `msgpack:"json"`
}

type ProposeRequest struct {
	Data []byte `msgpack:"data"`
}

type ProposeResponse struct {
	Result []byte `msgpack:"result"`
}
