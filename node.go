package chaski

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/chaski-confluent/chaski/pki"
	"github.com/glycerine/idem"
)

// Node is a single Chaski peer: it binds a listener, holds a set of live
// Edges keyed by canonical address (no duplicates, per invariant), and
// runs the discovery, streaming, and file-transfer planes on top of the
// shared dispatcher. Node owns no user-visible lock; all shared state
// lives behind Mutexmaps.
type Node struct {
	cfg  *Config
	addr Address

	listener net.Listener
	tlsConf  *tls.Config
	crlCache *pki.CachedCRL

	edges *Mutexmap[string, *Edge] // keyed by Edge.Remote.Canonical()

	subscriptions *Mutexmap[string, bool] // local topics
	paired        *Mutexmap[string, bool] // "topic|addr" -> true once paired
	visitedIDs    *Mutexmap[string, bool] // envelope ids already processed, loop suppression
	paused        *Mutexmap[string, bool] // "topic|addr" -> true while flow-paused by that peer

	dispatch *dispatcher

	deliveryQ chan *TopicMessage

	files *fileTransferManager

	reconnectAttempts *Mutexmap[string, int]

	ca *pki.CA

	proxyFunc    ProxyFunc
	proxyAllowed *AllowedModulePaths
	proxyCallSem chan struct{} // bounds outstanding ProxyCall in-flight count

	Halt *idem.Halter

	discoveryID int64 // atomic count of discovery envelopes this node originated; envelope ids stay random
}

// TopicMessage is one item handed to the application via Node.Receive,
// the local consumer side of the streaming plane.
type TopicMessage struct {
	Topic   string
	Origin  string
	Payload []byte
}

// NewNode constructs a Node bound to cfg.Host:cfg.Port (ephemeral port if
// 0) but does not yet start serving; call Listen to do that. cfg is
// copied so later mutation by the caller has no effect, matching the
// teacher's NewClient config-cloning convention.
func NewNode(cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	clone := *cfg
	n := &Node{
		cfg:               &clone,
		edges:             NewMutexmap[string, *Edge](),
		subscriptions:     NewMutexmap[string, bool](),
		paired:            NewMutexmap[string, bool](),
		visitedIDs:        NewMutexmap[string, bool](),
		paused:            NewMutexmap[string, bool](),
		dispatch:          newDispatcher(clone.RequestTimeout),
		deliveryQ:         make(chan *TopicMessage, clone.DeliveryQueueCapacity),
		reconnectAttempts: NewMutexmap[string, int](),
		proxyCallSem:      make(chan struct{}, maxInt(clone.MaxInFlightProxyCalls, 1)),
		Halt:              idem.NewHalter(),
	}
	for _, t := range clone.Subscriptions {
		n.subscriptions.Set(t, true)
	}
	n.files = newFileTransferManager(n)
	n.registerHandlers()
	if clone.Verbose {
		SetVerbose(true)
	}

	if clone.TLSEnabled {
		tc, crlCache, err := buildTLSConfig(clone.SSLDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSHandshake, err)
		}
		n.tlsConf = tc
		n.crlCache = crlCache
	}
	return n, nil
}

// Listen binds the node's listener and starts the accept loop, the
// discovery ticker, and the keepalive ticker. The resolved Address
// (with any ephemeral port filled in) is returned.
func (n *Node) Listen() (Address, error) {
	hostport := net.JoinHostPort(n.cfg.Host, portStr(n.cfg.Port))
	var ln net.Listener
	var err error
	if n.tlsConf != nil {
		ln, err = tls.Listen("tcp", hostport, n.tlsConf)
	} else {
		ln, err = net.Listen("tcp", hostport)
	}
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	n.listener = ln

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port := atoiMust(portStr)
	n.addr = Address{Class: n.cfg.Class, Host: n.cfg.Host, Port: port}

	go n.acceptLoop()
	go n.discoveryLoop()
	go n.keepaliveLoop()

	if err := n.listenQUICIfEnabled(); err != nil {
		return n.addr, err
	}

	return n.addr, nil
}

// Addr returns the node's bound address. Valid only after Listen.
func (n *Node) Addr() Address { return n.addr }

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.Halt.ReqStop.Chan:
				return
			default:
				vv("node %v: accept error: %v", n.addr, err)
				return
			}
		}
		go n.handleInboundConn(conn)
	}
}

func (n *Node) handleInboundConn(conn net.Conn) {
	if n.edges.Len() >= n.cfg.MaxConnections {
		n.refuseTooManyEdges(conn)
		return
	}
	// the inbound side does not know the peer's advertised Address
	// until the first envelope arrives; register under the raw remote
	// socket address as a placeholder key so the edge is still tracked
	// for teardown, and re-key once the peer's report_paired reveals who
	// it actually is.
	placeholder := Address{Class: n.cfg.Class, Host: remoteHost(conn), Port: remotePort(conn)}
	n.attachEdge(conn, placeholder)
}

func (n *Node) refuseTooManyEdges(conn net.Conn) {
	defer conn.Close()
	c := newCodec(n.serializer(), n.cfg.Compression, n.cfg.MaxFrameSize)
	env := NewEnvelope(CmdTooManyEdges, n.addr.Canonical(), nil)
	_ = c.writeFrame(conn, env)
}

// Connect dials addr (over TLS if enabled), registers the resulting Edge
// keyed by addr's canonical form, and sends this node's report_paired
// handshake envelope on it. If an
// edge to addr already exists, Connect is a no-op and returns the
// existing Edge, preserving the no-duplicate-edges invariant.
func (n *Node) Connect(addr Address) (*Edge, error) {
	if e, ok := n.edges.Get(addr.Canonical()); ok {
		return e, nil
	}
	if n.edges.Len() >= n.cfg.MaxConnections {
		return nil, ErrTooManyEdges
	}

	var conn net.Conn
	var err error
	if n.tlsConf != nil {
		conn, err = tls.Dial("tcp", addr.HostPort(), n.tlsConf)
	} else {
		conn, err = net.Dial("tcp", addr.HostPort())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	edge := n.attachEdge(conn, addr)

	// The initiating side always sends report_paired first, per the
	// connect handshake: the receiver learns our subscriptions and, if
	// addr requested an explicit pair, both sides establish pairing on
	// every topic the connect handshake finds they share.
	edge.markReportedSent()
	n.sendReportPaired(edge, addr.RequestPaired)

	return edge, nil
}

func (n *Node) attachEdge(conn net.Conn, remote Address) *Edge {
	edge := newEdge(conn, remote, n.serializer(), n.cfg.Compression, n.cfg.MaxFrameSize,
		n.onEnvelope, n.onEdgeClosed)
	if !n.edges.SetIfAbsent(remote.Canonical(), edge) {
		// lost the race to register this address; keep the existing one.
		edge.close()
		existing, _ := n.edges.Get(remote.Canonical())
		return existing
	}
	return edge
}

func (n *Node) serializer() Serializer { return DefaultSerializer }

func (n *Node) onEnvelope(edge *Edge, env *Envelope) {
	if err := n.dispatch.dispatch(edge, env); err != nil {
		vv("node %v: dispatch error from %v: %v", n.addr, edge.Remote, err)
	}
}

func (n *Node) onEdgeClosed(edge *Edge, cause error) {
	n.edges.Del(edge.Remote.Canonical())
	n.unpairAllTopicsFor(edge.Remote.Canonical())
	if cause != nil && cause != ErrHaltRequested {
		n.maybeReconnect(edge.Remote)
	}
}

func (n *Node) maybeReconnect(addr Address) {
	if n.cfg.Reconnections != nil && *n.cfg.Reconnections <= 0 {
		return
	}
	key := addr.Canonical()
	attempts, _ := n.reconnectAttempts.Get(key)
	if n.cfg.Reconnections != nil && attempts >= *n.cfg.Reconnections {
		return
	}
	n.reconnectAttempts.Set(key, attempts+1)

	backoff := time.Duration(1<<uint(minInt(attempts, 6))) * 100 * time.Millisecond
	time.AfterFunc(backoff, func() {
		select {
		case <-n.Halt.ReqStop.Chan:
			return
		default:
		}
		if _, err := n.Connect(addr); err == nil {
			n.reconnectAttempts.Del(key)
		}
	})
}

// Close halts every edge and the accept loop, in no particular order;
// Close blocks until the listener is closed and all edges are torn down.
func (n *Node) Close() error {
	n.Halt.ReqStop.Close()
	n.dispatch.stop()
	if n.listener != nil {
		n.listener.Close()
	}
	for _, edge := range n.edges.GetValSlice() {
		edge.close()
	}
	n.Halt.Done.Close()
	return nil
}

// keepaliveLoop pings every edge on LatencyUpdateInterval and closes any
// edge that has missed more than two consecutive keepalives within
// KeepaliveMissInterval, per the keepalive/latency design.
func (n *Node) keepaliveLoop() {
	ticker := time.NewTicker(n.cfg.LatencyUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.Halt.ReqStop.Chan:
			return
		case <-ticker.C:
			for _, edge := range n.edges.GetValSlice() {
				if err := edge.ping(n.addr.Canonical()); err != nil {
					continue
				}
				go n.watchKeepalive(edge)
			}
		}
	}
}

func (n *Node) watchKeepalive(edge *Edge) {
	timer := time.NewTimer(n.cfg.KeepaliveMissInterval)
	defer timer.Stop()
	before := edge.lastKeepaliveRecvAt
	select {
	case <-n.Halt.ReqStop.Chan:
		return
	case <-edge.Halt.ReqStop.Chan:
		return
	case <-timer.C:
		if edge.lastKeepaliveRecvAt.Equal(before) {
			if edge.NoteKeepaliveMissed() > 2 {
				edge.close()
			}
		}
	}
}

func remoteHost(conn net.Conn) string {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return host
}

func remotePort(conn net.Conn) int {
	_, port, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return atoiMust(port)
}

func portStr(p int) string { return fmt.Sprintf("%d", p) }

func atoiMust(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
