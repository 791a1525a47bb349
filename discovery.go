package chaski

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// reportPairedPayload is the report_paired envelope's payload: the
// connect handshake carries the sender's address, its current
// subscriptions, and whether this connect was requesting an explicit
// pair, so the receiving side can compute topic overlap without first
// needing a round trip through discovery.
type reportPairedPayload struct {
	Address       string   `json:"address"`
	Subscriptions []string `json:"subscriptions"`
	Paired        bool     `json:"paired"`
}

// discoveryLoop periodically emits a discovery envelope per local topic
// the node is not yet paired on, flooding it outward with TTL-bounded,
// visited-set loop suppression exactly as described for the pairing
// algorithm.
func (n *Node) discoveryLoop() {
	ticker := time.NewTicker(n.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.Halt.ReqStop.Chan:
			return
		case <-ticker.C:
			n.emitDiscovery()
		}
	}
}

func (n *Node) emitDiscovery() {
	for _, topic := range n.subscriptions.GetKeySlice() {
		if n.isPairedOnAnyEdge(topic) {
			continue
		}
		env := n.newDiscoveryEnvelope(topic)
		n.floodDiscovery(env, nil)
	}
}

func (n *Node) newDiscoveryEnvelope(topic string) *Envelope {
	atomic.AddInt64(&n.discoveryID, 1)
	env := NewEnvelope(CmdDiscovery, n.addr.Canonical(), nil)
	env.Topic = topic
	env.TTL = n.cfg.DiscoveryTTL
	env.Visited = []string{n.addr.Canonical()}
	return env
}

// floodDiscovery sends env on every edge not already in its visited-set,
// excluding excludeEdge (the edge the envelope just arrived on, when
// forwarding rather than originating).
func (n *Node) floodDiscovery(env *Envelope, excludeEdge *Edge) {
	for _, edge := range n.edges.GetValSlice() {
		if edge == excludeEdge {
			continue
		}
		if env.HasVisited(edge.Remote.Canonical()) {
			continue
		}
		edge.send(env)
	}
}

// handleDiscovery implements the pairing algorithm: dedupe by envelope
// id (loop suppression independent of the visited-set, covering the
// case where two different paths both have budget left), respond with a
// pairing envelope if this node subscribes to the topic and isn't
// already paired with the envelope's declared previous hop, then
// decrement TTL and forward.
func (n *Node) handleDiscovery(edge *Edge, env *Envelope) {
	dedupeKey := env.Origin + "|" + env.ID
	if !n.visitedIDs.SetIfAbsent(dedupeKey, true) {
		return
	}

	if n.subscriptions.Len() > 0 {
		if _, subscribed := n.subscriptions.Get(env.Topic); subscribed {
			previous := env.Origin
			if len(env.Visited) > 0 {
				previous = env.Visited[len(env.Visited)-1]
			}
			if !n.isPairedWith(env.Topic, previous) {
				n.initiatePairing(env.Topic, previous)
			}
		}
	}

	if env.TTL <= 0 {
		return
	}
	fwd := *env
	fwd.TTL--
	fwd.Visited = append(append([]string{}, env.Visited...), n.addr.Canonical())
	n.floodDiscovery(&fwd, edge)
}

func (n *Node) initiatePairing(topic, previousNode string) {
	addr, err := ParseAddress(previousNode)
	if err != nil {
		return
	}
	edge, err := n.Connect(addr)
	if err != nil {
		return
	}
	env := NewEnvelope(CmdPairing, n.addr.Canonical(), nil)
	env.Topic = topic
	if err := edge.send(env); err == nil {
		n.markPaired(topic, addr.Canonical())
	}
}

// handlePairing answers an explicit single-topic pairing request. Like
// handleDiscovery, it only marks paired when this node itself subscribes
// to env.Topic (handleDiscovery's subscription check, mirrored here) — a peer
// asking to pair on a topic we never subscribed to gets pair_declined,
// not a silent accept.
func (n *Node) handlePairing(edge *Edge, env *Envelope) {
	_, subscribed := n.subscriptions.Get(env.Topic)
	if !subscribed || n.isPairedWith(env.Topic, env.Origin) {
		resp := NewEnvelope(CmdPairDeclined, n.addr.Canonical(), nil)
		resp.Topic = env.Topic
		resp.ID = env.ID
		edge.send(resp)
		return
	}
	n.markPaired(env.Topic, edge.Remote.Canonical())

	ack := NewEnvelope(CmdReportPaired, n.addr.Canonical(), nil)
	ack.Topic = env.Topic
	ack.ID = env.ID
	edge.send(ack)
}

// sendReportPaired emits the connect-handshake envelope carrying this
// node's address, subscriptions, and paired intent.
func (n *Node) sendReportPaired(edge *Edge, paired bool) {
	body, err := json.Marshal(reportPairedPayload{
		Address:       n.addr.Canonical(),
		Subscriptions: n.subscriptions.GetKeySlice(),
		Paired:        paired,
	})
	if err != nil {
		return
	}
	edge.send(NewEnvelope(CmdReportPaired, n.addr.Canonical(), body))
}

// handleReportPaired implements the connect handshake: record the
// peer's declared subscriptions on the edge, reply in kind exactly once
// (the accepting side's half of the handshake), and, only when the
// connect explicitly requested pairing, mark paired on every topic both
// sides actually subscribe to — per spec's "an explicit connect with
// paired=True establishes pairing on all overlapping topics" rule. A
// bare ack with no JSON payload (handlePairing's per-topic ack reuses
// this command) is ignored rather than treated as an error.
func (n *Node) handleReportPaired(edge *Edge, env *Envelope) {
	var payload reportPairedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	n.rekeyEdge(edge, payload.Address)
	edge.setSubscriptions(payload.Subscriptions)

	if edge.markReportedSent() {
		n.sendReportPaired(edge, payload.Paired)
	}

	if payload.Paired {
		n.markOverlappingTopicsPaired(edge)
	}
}

// markOverlappingTopicsPaired marks paired every topic this node
// subscribes to that the peer also declared on edge.
func (n *Node) markOverlappingTopicsPaired(edge *Edge) {
	for _, topic := range n.subscriptions.GetKeySlice() {
		if edge.hasSubscription(topic) {
			n.markPaired(topic, edge.Remote.Canonical())
		}
	}
}

// rekeyEdge moves edge's entry in n.edges from whatever address it is
// currently tracked under to canonical, the peer's real advertised
// address as revealed by its own report_paired. This matters on the
// accept side: handleInboundConn has no way to know the peer's address
// until its first envelope arrives, so it tracks the edge under a
// placeholder keyed off the raw accepted socket, per handleInboundConn's
// comment. A no-op once the edge is already keyed correctly, which is
// always true on the dialing side.
func (n *Node) rekeyEdge(edge *Edge, canonical string) {
	if canonical == "" {
		return
	}
	old := edge.Remote.Canonical()
	if old == canonical {
		return
	}
	addr, err := ParseAddress(canonical)
	if err != nil {
		return
	}
	edge.Remote = addr
	n.edges.Del(old)
	n.edges.SetIfAbsent(canonical, edge)
}

func (n *Node) handlePairDeclined(edge *Edge, env *Envelope) {
	// peer already considers itself paired with someone else on this
	// topic via this edge; nothing further to do, the discovery ticker
	// will simply try again on the next round via a different path.
}

func (n *Node) handleUnpair(edge *Edge, env *Envelope) {
	n.unmarkPaired(env.Topic, edge.Remote.Canonical())
}

func (n *Node) pairKey(topic, addr string) string { return topic + "|" + addr }

func (n *Node) markPaired(topic, addr string)   { n.paired.Set(n.pairKey(topic, addr), true) }
func (n *Node) unmarkPaired(topic, addr string) { n.paired.Del(n.pairKey(topic, addr)) }

func (n *Node) isPairedWith(topic, addr string) bool {
	_, ok := n.paired.Get(n.pairKey(topic, addr))
	return ok
}

func (n *Node) isPairedOnAnyEdge(topic string) bool {
	for _, edge := range n.edges.GetValSlice() {
		if n.isPairedWith(topic, edge.Remote.Canonical()) {
			return true
		}
	}
	return false
}

// unpairAllTopicsFor drops every pairing record naming addr, called when
// the edge to addr closes so a later reconnect starts fresh.
func (n *Node) unpairAllTopicsFor(addr string) {
	n.paired.Update(func(m map[string]bool) {
		for k := range m {
			if hasSuffix(k, "|"+addr) {
				delete(m, k)
			}
		}
	})
}

func hasSuffix(s, suffix string) bool {
	if len(suffix) > len(s) {
		return false
	}
	return s[len(s)-len(suffix):] == suffix
}
