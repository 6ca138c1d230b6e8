package cluster

import (
	"sort"
	"sync"
)

// MembershipState is the replicated membership table. It is changed only
// by applying committed entries and travels inside snapshots.
type MembershipState struct {
	Members map[uint64]string `msgpack:"members" json:"members"`
	// NextID is the next node id handed out by a reservation.
	NextID  uint64   `msgpack:"next_id" json:"next_id"`
	Removed []uint64 `msgpack:"removed" json:"removed"`
}

type membership struct {
	mu sync.RWMutex
	st MembershipState
}

func newMembership() *membership {
	return &membership{st: MembershipState{Members: make(map[uint64]string), NextID: 1}}
}

// seedMembership builds the state of a static cluster.
func seedMembership(peers map[uint64]string) MembershipState {
	st := MembershipState{Members: make(map[uint64]string, len(peers)), NextID: 1}
	for id, addr := range peers {
		st.Members[id] = addr
		if id >= st.NextID {
			st.NextID = id + 1
		}
	}
	return st
}

// reserve hands out the next id. Ids are never handed out twice.
func (m *membership) reserve() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.st.NextID
	m.st.NextID++
	return id
}

func (m *membership) add(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr == "" {
		addr = m.st.Members[id]
	}
	m.st.Members[id] = addr
	if id >= m.st.NextID {
		m.st.NextID = id + 1
	}
}

func (m *membership) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.st.Members, id)
	for _, r := range m.st.Removed {
		if r == id {
			return
		}
	}
	m.st.Removed = append(m.st.Removed, id)
	sort.Slice(m.st.Removed, func(i, j int) bool { return m.st.Removed[i] < m.st.Removed[j] })
}

func (m *membership) addr(id uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.st.Members[id]
	return addr, ok
}

func (m *membership) contains(id uint64) bool {
	_, ok := m.addr(id)
	return ok
}

func (m *membership) isRemoved(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.st.Removed {
		if r == id {
			return true
		}
	}
	return false
}

func (m *membership) isReserved(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return id > 0 && id < m.st.NextID
}

func (m *membership) members() map[uint64]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint64]string, len(m.st.Members))
	for id, addr := range m.st.Members {
		out[id] = addr
	}
	return out
}

// state returns a deep copy.
func (m *membership) state() MembershipState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := MembershipState{
		Members: make(map[uint64]string, len(m.st.Members)),
		NextID:  m.st.NextID,
		Removed: append([]uint64(nil), m.st.Removed...),
	}
	for id, addr := range m.st.Members {
		st.Members[id] = addr
	}
	return st
}

func (m *membership) restore(st MembershipState) {
	if st.Members == nil {
		st.Members = make(map[uint64]string)
	}
	if st.NextID == 0 {
		st.NextID = 1
	}
	m.mu.Lock()
	m.st = st
	m.mu.Unlock()
}
