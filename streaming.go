package chaski

import "sync/atomic"

var queueOverflowCount int64

// QueueOverflowCount reports how many topic_message deliveries have been
// dropped for a full delivery queue across this process, for monitoring;
// the streaming plane is lossy by design, and this is the only record
// kept of what was lost.
func QueueOverflowCount() int64 { return atomic.LoadInt64(&queueOverflowCount) }

// Subscribe adds topic to the node's local subscription set; the next
// discovery round will advertise it if the node isn't already paired on
// it.
func (n *Node) Subscribe(topic string) {
	n.subscriptions.Set(topic, true)
}

// Unsubscribe removes topic and unpairs every edge currently paired on
// it, sending an explicit unpair envelope so peers stop delivering.
func (n *Node) Unsubscribe(topic string) {
	n.subscriptions.Del(topic)
	for _, edge := range n.edges.GetValSlice() {
		if n.isPairedWith(topic, edge.Remote.Canonical()) {
			env := NewEnvelope(CmdUnpair, n.addr.Canonical(), nil)
			env.Topic = topic
			edge.send(env)
			n.unmarkPaired(topic, edge.Remote.Canonical())
		}
	}
}

// Push wraps payload in a topic_message envelope and sends it on every
// edge paired on topic. It returns once every write has been submitted
// to its edge's write lock; it does not wait for peer acknowledgment,
// matching the at-most-once, best-effort delivery contract.
func (n *Node) Push(topic string, payload []byte) {
	env := NewEnvelope(CmdTopicMessage, n.addr.Canonical(), payload)
	env.Topic = topic
	for _, edge := range n.edges.GetValSlice() {
		if !n.isPairedWith(topic, edge.Remote.Canonical()) {
			continue
		}
		if _, paused := n.paused.Get(n.pairKey(topic, edge.Remote.Canonical())); paused {
			continue
		}
		edge.send(env)
	}
}

// Receive returns the node's delivery channel. Consumers may either
// range over it directly (the "explicit stream consumption" style) or
// call ReceiveOne in a scoped session loop; both read from the same
// bounded queue.
func (n *Node) Receive() <-chan *TopicMessage { return n.deliveryQ }

// ReceiveOne is a convenience wrapper around Receive for callers that
// prefer request-shaped consumption over ranging a channel. It blocks
// until a message is queued. Node.Close does not close the delivery
// channel, so ReceiveOne does not return after Close on an empty queue,
// and ok is always true.
func (n *Node) ReceiveOne() (msg *TopicMessage, ok bool) {
	msg, ok = <-n.deliveryQ
	return
}

func (n *Node) handleTopicMessage(edge *Edge, env *Envelope) {
	if _, subscribed := n.subscriptions.Get(env.Topic); !subscribed {
		return
	}
	msg := &TopicMessage{Topic: env.Topic, Origin: env.Origin, Payload: env.Payload}
	select {
	case n.deliveryQ <- msg:
	default:
		// queue full: drop the oldest message to make room, per the
		// documented lossy-by-design overflow policy.
		select {
		case <-n.deliveryQ:
		default:
		}
		select {
		case n.deliveryQ <- msg:
		default:
		}
		atomic.AddInt64(&queueOverflowCount, 1)
	}
}
