package transport

import (
	"context"
	"sync"
	"time"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

const (
	senderBuffer    = 4096
	maxBatch        = 64
	sendTimeout     = 5 * time.Second
	snapSendTimeout = 30 * time.Second
)

// Reporter receives delivery feedback. raft.Node satisfies it.
type Reporter interface {
	ReportUnreachable(id uint64)
	ReportSnapshot(id uint64, status raft.SnapshotStatus)
}

// Peers routes outgoing consensus messages to one sender goroutine per
// remote node, so a slow peer never blocks the others.
type Peers struct {
	self     string
	client   *Client
	reporter Reporter
	logger   *zap.Logger

	mu      sync.RWMutex
	senders map[uint64]*peerSender
	stopped bool
}

// NewPeers creates a router for the node listening on self.
func NewPeers(self string, client *Client, reporter Reporter, logger *zap.Logger) *Peers {
	return &Peers{
		self:     self,
		client:   client,
		reporter: reporter,
		logger:   logger,
		senders:  make(map[uint64]*peerSender),
	}
}

// Add starts a sender for id, or points the existing one at a new address.
func (p *Peers) Add(id uint64, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if s, ok := p.senders[id]; ok {
		s.setAddr(addr)
		return
	}
	s := newPeerSender(id, addr, p)
	p.senders[id] = s
	go s.run()
	p.logger.Debug("Added peer", zap.Uint64("peer", id), zap.String("addr", addr))
}

// Remove stops the sender of id. Pending messages are dropped.
func (p *Peers) Remove(id uint64) {
	p.mu.Lock()
	s, ok := p.senders[id]
	delete(p.senders, id)
	p.mu.Unlock()
	if ok {
		s.stop()
		p.client.Forget(s.address())
	}
}

func (p *Peers) Addr(id uint64) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.senders[id]
	if !ok {
		return "", false
	}
	return s.address(), true
}

// Send queues msgs for delivery. Messages to unknown peers, or to peers
// whose queue is full, are dropped and reported unreachable.
func (p *Peers) Send(msgs []raftpb.Message) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range msgs {
		if m.To == 0 {
			continue
		}
		s, ok := p.senders[m.To]
		if !ok {
			p.logger.Debug("Dropping message to unknown peer", zap.Uint64("peer", m.To), zap.String("type", m.Type.String()))
			p.reportFailure(m)
			continue
		}
		select {
		case s.queue <- m:
		default:
			p.logger.Warn("Peer queue full, dropping message", zap.Uint64("peer", m.To))
			p.reportFailure(m)
		}
	}
}

func (p *Peers) reportFailure(m raftpb.Message) {
	if m.Type == raftpb.MsgSnap {
		p.reporter.ReportSnapshot(m.To, raft.SnapshotFailure)
	}
	p.reporter.ReportUnreachable(m.To)
}

func (p *Peers) Stop() {
	p.mu.Lock()
	p.stopped = true
	senders := p.senders
	p.senders = make(map[uint64]*peerSender)
	p.mu.Unlock()

	for _, s := range senders {
		s.stop()
	}
}

type peerSender struct {
	id    uint64
	peers *Peers
	queue chan raftpb.Message
	done  chan struct{}
	wg    sync.WaitGroup

	mu   sync.RWMutex
	addr string
}

func newPeerSender(id uint64, addr string, peers *Peers) *peerSender {
	s := &peerSender{
		id:    id,
		addr:  addr,
		peers: peers,
		queue: make(chan raftpb.Message, senderBuffer),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	return s
}

func (s *peerSender) address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *peerSender) setAddr(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
}

func (s *peerSender) stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *peerSender) run() {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.queue:
			batch := []raftpb.Message{m}
		drain:
			for len(batch) < maxBatch {
				select {
				case m := <-s.queue:
					batch = append(batch, m)
				default:
					break drain
				}
			}
			s.deliver(batch)
		case <-s.done:
			return
		}
	}
}

// deliver sends snapshots on their own so their outcome can be reported.
func (s *peerSender) deliver(batch []raftpb.Message) {
	var plain []raftpb.Message
	for _, m := range batch {
		if m.Type == raftpb.MsgSnap {
			s.sendSnapshot(m)
			continue
		}
		plain = append(plain, m)
	}
	if len(plain) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.peers.client.SendMessages(ctx, s.address(), s.peers.self, plain); err != nil {
		s.peers.logger.Debug("Failed to send raft messages",
			zap.Uint64("peer", s.id), zap.Int("count", len(plain)), zap.Error(err))
		s.peers.reporter.ReportUnreachable(s.id)
	}
}

func (s *peerSender) sendSnapshot(m raftpb.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), snapSendTimeout)
	defer cancel()

	status := raft.SnapshotFinish
	if err := s.peers.client.SendMessages(ctx, s.address(), s.peers.self, []raftpb.Message{m}); err != nil {
		s.peers.logger.Warn("Failed to send snapshot", zap.Uint64("peer", s.id), zap.Error(err))
		status = raft.SnapshotFailure
		s.peers.reporter.ReportUnreachable(s.id)
	}
	s.peers.reporter.ReportSnapshot(s.id, status)
}
