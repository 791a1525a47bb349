package chaski

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/caio/go-tdigest"
	"github.com/glycerine/idem"
)

// Edge wraps one peer socket: the framing codec, a single write mutex so
// concurrent senders never interleave partial frames, a read loop that
// hands decoded envelopes to the dispatcher, and keepalive/RTT tracking.
// Halt follows the teacher's idem.Halter convention: ReqStop.Chan is
// selected on by both the read loop and the keepalive ticker so Close
// can tear both down exactly once, and Done.Close() signals that the
// read loop has actually exited.
type Edge struct {
	Remote Address

	conn  net.Conn
	codec *codec

	writeMu sync.Mutex

	Halt *idem.Halter

	onEnvelope func(*Edge, *Envelope)
	onClosed   func(*Edge, error)

	rttDigest *tdigest.TDigest
	rttMu     sync.Mutex

	lastKeepaliveSentAt time.Time
	lastKeepaliveRecvAt time.Time
	missedKeepalives    int

	pairMu        sync.Mutex
	subscriptions map[string]bool // the peer's declared subscriptions, from report_paired
	reportedSent  bool            // this side has sent its own report_paired on this edge
}

// setSubscriptions replaces the peer's declared subscription set, called
// whenever a report_paired envelope carrying a fresh list arrives.
func (e *Edge) setSubscriptions(topics []string) {
	m := make(map[string]bool, len(topics))
	for _, t := range topics {
		m[t] = true
	}
	e.pairMu.Lock()
	e.subscriptions = m
	e.pairMu.Unlock()
}

// hasSubscription reports whether the peer declared topic in its most
// recent report_paired.
func (e *Edge) hasSubscription(topic string) bool {
	e.pairMu.Lock()
	defer e.pairMu.Unlock()
	return e.subscriptions[topic]
}

// markReportedSent records that this side has now sent its own
// report_paired on this edge, returning true the first time so a
// receiver replies "in kind" exactly once rather than looping.
func (e *Edge) markReportedSent() (first bool) {
	e.pairMu.Lock()
	first = !e.reportedSent
	e.reportedSent = true
	e.pairMu.Unlock()
	return
}

// newEdge wraps an already-connected conn. onEnvelope is invoked from
// the edge's own read goroutine for every successfully decoded envelope;
// onClosed fires exactly once, whatever the cause of closure.
func newEdge(conn net.Conn, remote Address, ser Serializer, compression CompressionAlgo, maxFrameSize int,
	onEnvelope func(*Edge, *Envelope), onClosed func(*Edge, error)) *Edge {

	digest, err := tdigest.New()
	panicOn(err)

	e := &Edge{
		Remote:     remote,
		conn:       conn,
		codec:      newCodec(ser, compression, maxFrameSize),
		Halt:       idem.NewHalter(),
		onEnvelope: onEnvelope,
		onClosed:   onClosed,
		rttDigest:  digest,
	}
	go e.readLoop()
	return e
}

// send serializes and writes env, returning ErrEdgeClosed if the edge
// has already been torn down. Writes from multiple goroutines are
// serialized by writeMu, which is the edge's only lock surface.
func (e *Edge) send(env *Envelope) error {
	select {
	case <-e.Halt.ReqStop.Chan:
		return ErrEdgeClosed
	default:
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.codec.writeFrame(e.conn, env); err != nil {
		return fmt.Errorf("%w: %v", ErrEdgeClosed, err)
	}
	return nil
}

// readLoop reads frames until a decode error, EOF, or a halt request,
// then closes the edge and reports the cause via onClosed exactly once.
func (e *Edge) readLoop() {
	defer e.Halt.Done.Close()

	var causeErr error
	for {
		select {
		case <-e.Halt.ReqStop.Chan:
			causeErr = ErrHaltRequested
		default:
		}
		if causeErr != nil {
			break
		}

		env, err := e.codec.readFrame(e.conn)
		if err != nil {
			causeErr = err
			break
		}

		if env.Command == CmdKeepaliveResp {
			e.handleKeepaliveResponse(env)
			continue
		}

		if e.onEnvelope != nil {
			e.onEnvelope(e, env)
		}
	}

	e.closeInternal()
	if e.onClosed != nil {
		e.onClosed(e, causeErr)
	}
}

// closeInternal shuts the socket and signals Halt exactly once; safe to
// call from close() or from the read loop's own error path.
func (e *Edge) closeInternal() {
	e.Halt.ReqStop.Close()
	e.conn.Close()
}

// close requests the edge tear down and waits for the read loop to
// finish exiting.
func (e *Edge) close() {
	e.closeInternal()
	<-e.Halt.Done.Chan
}

// ping sends a keepalive envelope carrying the send time; the matching
// keepalive_response's RTT (recv_at - sent_at) is folded into rttDigest.
func (e *Edge) ping(origin string) error {
	now := time.Now().UTC()
	e.rttMu.Lock()
	e.lastKeepaliveSentAt = now
	e.rttMu.Unlock()

	env := NewEnvelope(CmdKeepalive, origin, encodeKeepalivePayload(now))
	return e.send(env)
}

func (e *Edge) handleKeepaliveResponse(env *Envelope) {
	sentAt, ok := decodeKeepalivePayload(env.Payload)
	if !ok {
		return
	}
	now := time.Now().UTC()
	rtt := now.Sub(sentAt)

	e.rttMu.Lock()
	e.lastKeepaliveRecvAt = now
	e.missedKeepalives = 0
	e.rttDigest.Add(float64(rtt.Microseconds()))
	e.rttMu.Unlock()
}

// RTTQuantile returns the q-th quantile (0..1) of recorded round-trip
// times in microseconds, using the edge's go-tdigest estimator; returns
// 0 if no keepalive round-trip has completed yet.
func (e *Edge) RTTQuantile(q float64) float64 {
	e.rttMu.Lock()
	defer e.rttMu.Unlock()
	if e.rttDigest.Count() == 0 {
		return 0
	}
	return e.rttDigest.Quantile(q)
}

// NoteKeepaliveMissed increments the miss counter; the node's keepalive
// ticker calls this when a ping isn't answered within
// Config.KeepaliveMissInterval, and closes the edge once the count
// exceeds two.
func (e *Edge) NoteKeepaliveMissed() (count int) {
	e.rttMu.Lock()
	e.missedKeepalives++
	count = e.missedKeepalives
	e.rttMu.Unlock()
	return
}

func encodeKeepalivePayload(sentAt time.Time) []byte {
	b, err := sentAt.MarshalBinary()
	panicOn(err)
	return b
}

func decodeKeepalivePayload(b []byte) (time.Time, bool) {
	var t time.Time
	if err := t.UnmarshalBinary(b); err != nil {
		return time.Time{}, false
	}
	return t, true
}
