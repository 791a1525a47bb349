package chaski

import (
	"sync"
	"time"
)

// Handler processes one incoming envelope from edge. Handlers run on the
// edge's own read goroutine; a handler that blocks stalls only that
// edge's reads, never the whole node, matching the per-edge ordering
// guarantee. Handlers are Node method values (e.g. n.handleKeepalive),
// so the node itself reaches them through the closure rather than as an
// explicit parameter.
type Handler func(edge *Edge, env *Envelope)

// dispatcher demultiplexes incoming envelopes by Command into handlers,
// and correlates request/response pairs by envelope id for the RPC-style
// commands (ca_request_certificate, proxy_call, and the like). It is the
// control-plane analogue of the teacher's MID-keyed call/response
// bookkeeping in hdr.go/mid.go, rebuilt around named commands instead of
// an integer CallType.
type dispatcher struct {
	handlers map[Command]Handler

	pending    *Mutexmap[string, *pendingSlot]
	timeouts   *timeoutQueue
	reqTimeout time.Duration

	sweepOnce sync.Once
	sweepStop chan struct{}
}

// pendingSlot is a future installed before sending a request envelope;
// the matching response resolves it via resolve, and a timer sweep resolves
// it with ErrRequestTimeout if no response arrives first.
type pendingSlot struct {
	done chan struct{}
	once sync.Once
	env  *Envelope
	err  error
	item *pqTimeItem
}

func newDispatcher(reqTimeout time.Duration) *dispatcher {
	if reqTimeout <= 0 {
		reqTimeout = 10 * time.Second
	}
	d := &dispatcher{
		handlers:   make(map[Command]Handler),
		pending:    NewMutexmap[string, *pendingSlot](),
		timeouts:   newTimeoutQueue(),
		reqTimeout: reqTimeout,
		sweepStop:  make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// register installs the handler for cmd, overwriting any prior handler.
func (d *dispatcher) register(cmd Command, h Handler) {
	d.handlers[cmd] = h
}

// dispatch routes env to its handler, or reports ErrUnknownCommand for
// anything outside the closed command set. If env's id matches a pending
// request, whatever its command, the pending slot is resolved and env is
// then also routed to its command's handler, if one is registered.
func (d *dispatcher) dispatch(edge *Edge, env *Envelope) error {
	if !knownCommands[env.Command] {
		return ErrUnknownCommand
	}

	if slot, ok := d.pending.Get(env.ID); ok {
		d.resolve(slot, env, nil)
	}

	h, ok := d.handlers[env.Command]
	if !ok {
		return nil
	}
	h(edge, env)
	return nil
}

// newRequest installs a pending slot keyed by id before the caller sends
// the corresponding request envelope, avoiding the race of a response
// arriving before the slot exists.
func (d *dispatcher) newRequest(id string) *pendingSlot {
	slot := &pendingSlot{done: make(chan struct{})}
	d.pending.Set(id, slot)
	slot.item = d.timeouts.add(&pendingRequest{
		id:   id,
		when: time.Now().Add(d.reqTimeout),
		timeout: func(id string) {
			if s, ok := d.pending.Get(id); ok {
				d.resolve(s, nil, ErrRequestTimeout)
			}
		},
	})
	return slot
}

// await blocks until slot is resolved, returning the response envelope
// or the resolution error.
func (slot *pendingSlot) await() (*Envelope, error) {
	<-slot.done
	return slot.env, slot.err
}

func (d *dispatcher) resolve(slot *pendingSlot, env *Envelope, err error) {
	slot.once.Do(func() {
		slot.env, slot.err = env, err
		close(slot.done)
		id := slot.item.value.id
		d.pending.Del(id)
		if slot.item.index >= 0 {
			d.timeouts.delOneItem(slot.item)
		}
	})
}

// sweepLoop periodically drains expired pending requests and fires their
// timeout callback, playing the role the teacher's pq.go plays for its
// own deadline-ordered work queue.
func (d *dispatcher) sweepLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.sweepStop:
			return
		case now := <-ticker.C:
			for _, op := range d.timeouts.drainExpired(now) {
				op.timeout(op.id)
			}
		}
	}
}

func (d *dispatcher) stop() {
	d.sweepOnce.Do(func() { close(d.sweepStop) })
}
