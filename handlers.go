package chaski

// registerHandlers wires every control command in the closed set to its
// handler. Commands with no node-level behavior beyond request/response
// correlation (ca_request_certificate_response, proxy_call_response) are
// left unregistered; dispatch() still resolves any pending slot waiting
// on their envelope id.
func (n *Node) registerHandlers() {
	n.dispatch.register(CmdKeepalive, n.handleKeepalive)
	n.dispatch.register(CmdDiscovery, n.handleDiscovery)
	n.dispatch.register(CmdPairing, n.handlePairing)
	n.dispatch.register(CmdPairDeclined, n.handlePairDeclined)
	n.dispatch.register(CmdUnpair, n.handleUnpair)
	n.dispatch.register(CmdReportPaired, n.handleReportPaired)
	n.dispatch.register(CmdTopicMessage, n.handleTopicMessage)
	n.dispatch.register(CmdFileChunk, n.handleFileChunk)
	n.dispatch.register(CmdFileResumeFrom, n.handleFileResumeFrom)
	n.dispatch.register(CmdFileTransferFail, n.handleFileTransferFailed)
	n.dispatch.register(CmdFlowPause, n.handleFlowPause)
	n.dispatch.register(CmdFlowResume, n.handleFlowResume)
	n.dispatch.register(CmdCARequestCert, n.handleCARequestCertificate)
	n.dispatch.register(CmdCARevoke, n.handleCARevoke)
	n.dispatch.register(CmdCAGetCRL, n.handleCAGetCRL)
	n.dispatch.register(CmdCAGetCRLResp, n.handleCAGetCRLResponse)
	n.dispatch.register(CmdProxyCall, n.handleProxyCall)
	n.dispatch.register(CmdTerminate, n.handleTerminate)
	n.dispatch.register(CmdTooManyEdges, n.handleTooManyEdges)
}

// handleKeepalive answers an incoming ping with a keepalive_response
// echoing the same sent_at payload, so the pinging peer's RTT
// computation (recv_at - sent_at) is unaffected by how long this node
// took to notice the request.
func (n *Node) handleKeepalive(edge *Edge, env *Envelope) {
	resp := NewEnvelope(CmdKeepaliveResp, n.addr.Canonical(), env.Payload)
	edge.send(resp)
}

// handleTooManyEdges marks the edge for teardown; the remote end has
// already told us it rejected our connection attempt.
func (n *Node) handleTooManyEdges(edge *Edge, env *Envelope) {
	vv("node %v: %v reports too_many_edges, closing", n.addr, edge.Remote)
	edge.closeInternal()
}

// handleTerminate closes every edge and then the node itself, the wire
// equivalent of an operator-issued shutdown.
func (n *Node) handleTerminate(edge *Edge, env *Envelope) {
	go n.Close()
}

// Terminate dials addr if not already connected and sends it a
// terminate command, the operator-facing entry point behind the
// chaski_terminate_connections CLI wrapper.
func (n *Node) Terminate(addr Address) error {
	edge, err := n.Connect(addr)
	if err != nil {
		return err
	}
	return edge.send(NewEnvelope(CmdTerminate, n.addr.Canonical(), nil))
}

// handleFlowPause/handleFlowResume implement the streaming plane's
// backpressure signal: a receiver nearing capacity asks the sender to
// pause pushes on a topic, and resumes it later. Pause/resume state is
// kept per (edge, topic) so independent peers throttle independently.
func (n *Node) handleFlowPause(edge *Edge, env *Envelope) {
	n.paused.Set(n.pairKey(env.Topic, edge.Remote.Canonical()), true)
}

func (n *Node) handleFlowResume(edge *Edge, env *Envelope) {
	n.paused.Del(n.pairKey(env.Topic, edge.Remote.Canonical()))
}

// RequestPause asks every peer paired on topic to stop pushing new
// topic_message envelopes until ResumeFlow is called.
func (n *Node) RequestPause(topic string) {
	env := NewEnvelope(CmdFlowPause, n.addr.Canonical(), nil)
	env.Topic = topic
	for _, edge := range n.edgesPairedOn(topic) {
		edge.send(env)
	}
}

// ResumeFlow lifts a previously requested pause.
func (n *Node) ResumeFlow(topic string) {
	env := NewEnvelope(CmdFlowResume, n.addr.Canonical(), nil)
	env.Topic = topic
	for _, edge := range n.edgesPairedOn(topic) {
		edge.send(env)
	}
}
