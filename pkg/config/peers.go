package config

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// Peer is one statically configured cluster member.
type Peer struct {
	ID   uint64 `toml:"id" json:"id"`
	Addr string `toml:"addr" json:"addr"`
}

// Peers is the static membership read from cluster_config.toml:
//
//	[[peers]]
//	id = 1
//	addr = "127.0.0.1:60061"
type Peers struct {
	Peers []Peer `toml:"peers" json:"peers"`
}

func LoadPeers(path string) (*Peers, error) {
	peers := &Peers{}
	if _, err := toml.DecodeFile(path, peers); err != nil {
		return nil, fmt.Errorf("failed to read peers file %s: %w", path, err)
	}
	if err := peers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid peers file %s: %w", path, err)
	}
	return peers, nil
}

func (p *Peers) Validate() error {
	ids := make(map[uint64]bool, len(p.Peers))
	addrs := make(map[string]bool, len(p.Peers))
	for _, peer := range p.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("peer %q has id 0", peer.Addr)
		}
		if peer.Addr == "" {
			return fmt.Errorf("peer %d has no address", peer.ID)
		}
		if ids[peer.ID] {
			return fmt.Errorf("duplicate peer id %d", peer.ID)
		}
		if addrs[peer.Addr] {
			return fmt.Errorf("duplicate peer address %s", peer.Addr)
		}
		ids[peer.ID] = true
		addrs[peer.Addr] = true
	}
	return nil
}

func (p *Peers) Get(id uint64) (Peer, bool) {
	for _, peer := range p.Peers {
		if peer.ID == id {
			return peer, true
		}
	}
	return Peer{}, false
}

func (p *Peers) NodeIDByAddr(addr string) (uint64, bool) {
	for _, peer := range p.Peers {
		if peer.Addr == addr {
			return peer.ID, true
		}
	}
	return 0, false
}

// Map returns id -> address.
func (p *Peers) Map() map[uint64]string {
	out := make(map[uint64]string, len(p.Peers))
	for _, peer := range p.Peers {
		out[peer.ID] = peer.Addr
	}
	return out
}

// IDs returns the peer ids in ascending order.
func (p *Peers) IDs() []uint64 {
	ids := make([]uint64, 0, len(p.Peers))
	for _, peer := range p.Peers {
		ids = append(ids, peer.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
