package chaski

import (
	crand "crypto/rand"
	"fmt"
	"time"

	"github.com/glycerine/base58"
)

// Command is the closed set of control commands an Envelope's Command
// field may carry. Unlike the teacher's CallType, which is an int enum
// matched against a switch, commands here are named strings so the wire
// format is self-describing and a foreign implementation can dispatch on
// them without sharing this package's constants.
type Command string

const (
	CmdReportPaired    Command = "report_paired"
	CmdKeepalive       Command = "keepalive"
	CmdKeepaliveResp   Command = "keepalive_response"
	CmdDiscovery       Command = "discovery"
	CmdPairing         Command = "pairing"
	CmdPairDeclined    Command = "pair_declined"
	CmdUnpair          Command = "unpair"
	CmdTopicMessage    Command = "topic_message"
	CmdFileChunk       Command = "file_chunk"
	CmdFileResumeFrom  Command = "file_resume_from"
	CmdFileTransferFail Command = "file_transfer_failed"
	CmdFlowPause       Command = "flow_pause"
	CmdFlowResume      Command = "flow_resume"
	CmdCARequestCert   Command = "ca_request_certificate"
	CmdCARequestCertResp Command = "ca_request_certificate_response"
	CmdCARevoke        Command = "ca_revoke"
	CmdCAGetCRL        Command = "ca_get_crl"
	CmdCAGetCRLResp    Command = "ca_get_crl_response"
	CmdProxyCall       Command = "proxy_call"
	CmdProxyCallResp   Command = "proxy_call_response"
	CmdTooManyEdges    Command = "too_many_edges"
	CmdTerminate       Command = "terminate"
)

// knownCommands closes the set: the dispatcher treats anything not in
// here as ErrUnknownCommand, per spec.
var knownCommands = map[Command]bool{
	CmdReportPaired: true, CmdKeepalive: true, CmdKeepaliveResp: true,
	CmdDiscovery: true, CmdPairing: true, CmdPairDeclined: true, CmdUnpair: true,
	CmdTopicMessage: true, CmdFileChunk: true, CmdFileResumeFrom: true,
	CmdFileTransferFail: true, CmdFlowPause: true, CmdFlowResume: true,
	CmdCARequestCert: true, CmdCARequestCertResp: true, CmdCARevoke: true,
	CmdCAGetCRL: true, CmdCAGetCRLResp: true, CmdProxyCall: true,
	CmdProxyCallResp: true, CmdTooManyEdges: true, CmdTerminate: true,
}

// ResponseTopic follows the convention that a request command's reply
// is named <command>_response.
func (c Command) ResponseTopic() Command {
	return Command(string(c) + "_response")
}

// Envelope is the self-describing unit of on-wire communication: a
// command tag, a correlation id, an origin timestamp, the origin's
// address, a TTL and visited-set (discovery only), an optional topic,
// and an opaque payload whose shape is command-specific and is left to
// the configured serializer.
type Envelope struct {
	Command Command `json:"command"`
	ID      string  `json:"id"`

	Created time.Time `json:"created"`
	Origin  string    `json:"origin"`

	TTL     int      `json:"ttl,omitempty"`
	Visited []string `json:"visited,omitempty"`

	Topic string `json:"topic,omitempty"`

	Payload []byte `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id, stamped with the
// current time and the given origin address, in the same spirit as the
// teacher's NewMID: a random id is cheaper to make collision-free than
// a counter, and needs no coordination across nodes.
func NewEnvelope(cmd Command, origin string, payload []byte) *Envelope {
	return &Envelope{
		Command: cmd,
		ID:      newEnvelopeID(),
		Created: time.Now().UTC(),
		Origin:  origin,
		Payload: payload,
	}
}

// newEnvelopeID returns a base58-encoded random correlation id, unique
// enough within an origin to never collide for the lifetime of a node.
func newEnvelopeID() string {
	b := make([]byte, 20)
	if _, err := crand.Read(b); err != nil {
		panic(err)
	}
	return base58.Encode(b)
}

// HasVisited reports whether addr already appears in the envelope's
// visited-set, the loop-suppression check discovery forwarding relies on.
func (e *Envelope) HasVisited(addr string) bool {
	for _, v := range e.Visited {
		if v == addr {
			return true
		}
	}
	return false
}

// String is a terse one-line form for log lines.
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{cmd=%s id=%s origin=%s topic=%s ttl=%d}",
		e.Command, e.ID, e.Origin, e.Topic, e.TTL)
}
