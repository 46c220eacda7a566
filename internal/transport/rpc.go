package transport

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"
)

// ProbeArgs/AnswerArgs/Ack are the net/rpc wire shapes for Recovery and
// RecoveryAnswer. net/rpc requires exported fields and a registered
// service object, so the wire types are kept separate from the plain
// Recovery/RecoveryAnswer structs the rest of the package works with.
type ProbeArgs struct {
	Sender int
	View   uint64
	Epoch  uint64
}

type AnswerArgs struct {
	Sender      int
	View        uint64
	EpochVector []uint64
	NextID      uint64
}

type Ack struct{}

// service is the net/rpc-registered receiver. Its two methods forward
// straight into whichever handler RPC currently has installed.
type service struct {
	mu              sync.RWMutex
	recoveryHandler RecoveryHandler
	answerHandler   RecoveryAnswerHandler
}

func (s *service) Probe(args ProbeArgs, reply *Ack) error {
	s.mu.RLock()
	h := s.recoveryHandler
	s.mu.RUnlock()
	if h != nil {
		h(Recovery{View: args.View, Epoch: args.Epoch}, ReplicaID(args.Sender))
	}
	return nil
}

func (s *service) Answer(args AnswerArgs, reply *Ack) error {
	s.mu.RLock()
	h := s.answerHandler
	s.mu.RUnlock()
	if h != nil {
		h(RecoveryAnswer{View: args.View, EpochVector: args.EpochVector, NextID: args.NextID}, ReplicaID(args.Sender))
	}
	return nil
}

// InspectReply is the snapshot cmd/recoveryctl requests over the wire: a
// supplemented inspection surface with no equivalent in the original
// algorithm, whose sole purpose is observability (spec.md's SUPPLEMENTED
// FEATURES).
type InspectReply struct {
	State            string
	View             uint64
	EpochVector      []uint64
	FirstUncommitted uint64
	Attempts         int64
}

// inspectService is the net/rpc receiver for the inspection surface,
// following the same handler-indirection pattern as service above.
type inspectService struct {
	mu      sync.RWMutex
	handler func() InspectReply
}

func (s *inspectService) Get(_ struct{}, reply *InspectReply) error {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h != nil {
		*reply = h()
	}
	return nil
}

// RPC is a net/rpc-based Transport for cmd/recoveryd, adapted from
// pkg/transport/rpc.go's RPCTransport: same accept-loop-with-deadline
// pattern, same lazily-dialed client cache, generalized to the Recovery
// service instead of the Raft one.
type RPC struct {
	mu        sync.RWMutex
	self      ReplicaID
	addresses map[ReplicaID]string

	server   *rpc.Server
	listener net.Listener
	clients  map[ReplicaID]*rpc.Client
	svc      *service
	inspect  *inspectService
	stopCh   chan struct{}
}

// NewRPC builds a transport for replica self, listening for peers reachable
// at the addresses in peerAddrs (which need not include self).
func NewRPC(self ReplicaID, peerAddrs map[ReplicaID]string) *RPC {
	svc := &service{}
	inspect := &inspectService{}
	server := rpc.NewServer()
	server.RegisterName("Recovery", svc)
	server.RegisterName("Inspect", inspect)
	return &RPC{
		self:      self,
		addresses: peerAddrs,
		server:    server,
		clients:   make(map[ReplicaID]*rpc.Client),
		svc:       svc,
		inspect:   inspect,
		stopCh:    make(chan struct{}),
	}
}

// RegisterInspectHandler installs the callback cmd/recoveryctl's "Inspect"
// RPC calls into.
func (t *RPC) RegisterInspectHandler(h func() InspectReply) {
	t.inspect.mu.Lock()
	defer t.inspect.mu.Unlock()
	t.inspect.handler = h
}

// Listen starts accepting connections on address.
func (t *RPC) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	t.listener = listener
	go t.acceptLoop(listener)
	return nil
}

func (t *RPC) acceptLoop(listener net.Listener) {
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}
		if tcpListener, ok := listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}
		conn, err := listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}
		go t.server.ServeConn(conn)
	}
}

func (t *RPC) dial(target ReplicaID) (*rpc.Client, error) {
	t.mu.RLock()
	client, ok := t.clients[target]
	addr, hasAddr := t.addresses[target]
	t.mu.RUnlock()
	if ok {
		return client, nil
	}
	if !hasAddr {
		return nil, fmt.Errorf("transport: no address for peer %d", target)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	client = rpc.NewClient(conn)

	t.mu.Lock()
	t.clients[target] = client
	t.mu.Unlock()
	return client, nil
}

func (t *RPC) SendProbe(target ReplicaID, probe Recovery) error {
	client, err := t.dial(target)
	if err != nil {
		return err
	}
	args := ProbeArgs{Sender: int(t.self), View: probe.View, Epoch: probe.Epoch}
	var reply Ack
	return client.Call("Recovery.Probe", args, &reply)
}

func (t *RPC) SendAnswer(requester ReplicaID, answer RecoveryAnswer) error {
	client, err := t.dial(requester)
	if err != nil {
		return err
	}
	args := AnswerArgs{Sender: int(t.self), View: answer.View, EpochVector: answer.EpochVector, NextID: answer.NextID}
	var reply Ack
	return client.Call("Recovery.Answer", args, &reply)
}

func (t *RPC) RegisterRecoveryAnswerHandler(h RecoveryAnswerHandler) {
	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()
	t.svc.answerHandler = h
}

func (t *RPC) RegisterRecoveryHandler(h RecoveryHandler) {
	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()
	t.svc.recoveryHandler = h
}

func (t *RPC) Peers() []ReplicaID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]ReplicaID, 0, len(t.addresses))
	for id := range t.addresses {
		peers = append(peers, id)
	}
	return peers
}

func (t *RPC) Stop() error {
	close(t.stopCh)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		t.listener.Close()
	}
	for _, c := range t.clients {
		c.Close()
	}
	t.clients = make(map[ReplicaID]*rpc.Client)
	return nil
}
