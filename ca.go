package chaski

import (
	"encoding/json"
	"fmt"

	"github.com/chaski-confluent/chaski/pki"
)

// caRequestPayload is the wire shape of ca_request_certificate's
// request: either csr_pem is supplied (the CA signs it as submitted) or
// it is omitted and the CA generates a key on the requester's behalf.
type caRequestPayload struct {
	Subject pki.SubjectAttrs `json:"subject_attrs"`
	IP      string           `json:"ip"`
	CSRPEM  []byte           `json:"csr_pem,omitempty"`
}

type caResponsePayload struct {
	IssuedCertPEM []byte `json:"issued_cert_pem"`
	RootCertPEM   []byte `json:"root_cert_pem"`
	KeyPEM        []byte `json:"key_pem,omitempty"` // present only when the CA generated the key
	Serial        string `json:"serial"`
	Error         string `json:"error,omitempty"`
}

type caRevokePayload struct {
	Serial string `json:"serial"`
}

type caCRLResponsePayload struct {
	CRLPEM []byte `json:"crl_pem"`
	Error  string `json:"error,omitempty"`
}

// EnableCA turns this node into the mesh's certificate authority,
// answering ca_request_certificate/ca_revoke/ca_get_crl over the wire.
// A node is either a CA or an ordinary participant; calling EnableCA on
// a node already serving other roles is fine, the CA handlers are just
// additional commands in the same dispatch table.
func (n *Node) EnableCA(caDir string, subject pki.SubjectAttrs) error {
	ca, err := pki.LoadOrCreateCA(caDir, subject)
	if err != nil {
		return err
	}
	n.ca = ca
	return nil
}

func (n *Node) handleCARequestCertificate(edge *Edge, env *Envelope) {
	var req caRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		n.replyCAError(edge, env, err)
		return
	}
	if n.ca == nil {
		n.replyCAError(edge, env, fmt.Errorf("this node is not a certificate authority"))
		return
	}

	var resp caResponsePayload
	resp.RootCertPEM = n.ca.RootCertPEM()

	if len(req.CSRPEM) > 0 {
		certPEM, serial, err := n.ca.IssueFromCSR(req.CSRPEM, req.IP)
		if err != nil {
			n.replyCAError(edge, env, err)
			return
		}
		resp.IssuedCertPEM = certPEM
		resp.Serial = serial
	} else {
		keyPEM, certPEM, serial, err := n.ca.IssueWithGeneratedKey(req.Subject, req.IP)
		if err != nil {
			n.replyCAError(edge, env, err)
			return
		}
		resp.KeyPEM = keyPEM
		resp.IssuedCertPEM = certPEM
		resp.Serial = serial
	}

	n.replyCA(edge, env, &resp)
}

func (n *Node) replyCA(edge *Edge, req *Envelope, resp *caResponsePayload) {
	body, _ := json.Marshal(resp)
	out := NewEnvelope(CmdCARequestCertResp, n.addr.Canonical(), body)
	out.ID = req.ID
	edge.send(out)
}

func (n *Node) replyCAError(edge *Edge, req *Envelope, err error) {
	resp := &caResponsePayload{Error: err.Error()}
	n.replyCA(edge, req, resp)
}

func (n *Node) handleCARevoke(edge *Edge, env *Envelope) {
	var req caRevokePayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}
	if n.ca == nil {
		return
	}
	n.ca.Revoke(req.Serial)
}

func (n *Node) handleCAGetCRL(edge *Edge, env *Envelope) {
	var resp caCRLResponsePayload
	if n.ca == nil {
		resp.Error = "this node is not a certificate authority"
	} else {
		crlPEM, err := n.ca.CRLPEM()
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.CRLPEM = crlPEM
		}
	}
	body, _ := json.Marshal(resp)
	out := NewEnvelope(CmdCAGetCRLResp, n.addr.Canonical(), body)
	out.ID = env.ID
	edge.send(out)
}

func (n *Node) handleCAGetCRLResponse(edge *Edge, env *Envelope) {
	var resp caCRLResponsePayload
	if err := json.Unmarshal(env.Payload, &resp); err != nil || resp.Error != "" {
		return
	}
	if n.crlCache != nil {
		n.crlCache.LoadPEM(resp.CRLPEM)
	}
}

// RequestCertificate sends a ca_request_certificate to caAddr and waits
// for the response, per the request/response pattern C3 provides: the
// caller installs a pending slot keyed by the outgoing envelope's id
// before sending.
func (n *Node) RequestCertificate(caAddr Address, subject pki.SubjectAttrs, ip string, csrPEM []byte) (issuedCertPEM, rootCertPEM, keyPEM []byte, serial string, err error) {
	edge, err := n.Connect(caAddr)
	if err != nil {
		return nil, nil, nil, "", err
	}

	req := caRequestPayload{Subject: subject, IP: ip, CSRPEM: csrPEM}
	body, _ := json.Marshal(req)
	env := NewEnvelope(CmdCARequestCert, n.addr.Canonical(), body)

	slot := n.dispatch.newRequest(env.ID)
	if err := edge.send(env); err != nil {
		return nil, nil, nil, "", err
	}
	reply, err := slot.await()
	if err != nil {
		return nil, nil, nil, "", err
	}

	var resp caResponsePayload
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return nil, nil, nil, "", err
	}
	if resp.Error != "" {
		return nil, nil, nil, "", fmt.Errorf("%w: %s", ErrSigningFailed, resp.Error)
	}
	return resp.IssuedCertPEM, resp.RootCertPEM, resp.KeyPEM, resp.Serial, nil
}

// RevokeCertificate sends a ca_revoke for serial to caAddr. This is a
// one-way command: the CA updates its CRL but sends no reply.
func (n *Node) RevokeCertificate(caAddr Address, serial string) error {
	edge, err := n.Connect(caAddr)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(caRevokePayload{Serial: serial})
	env := NewEnvelope(CmdCARevoke, n.addr.Canonical(), body)
	return edge.send(env)
}

// FetchCRL requests the latest CRL from caAddr and loads it into this
// node's CachedCRL, so the next TLS handshake sees any new revocations.
func (n *Node) FetchCRL(caAddr Address) error {
	edge, err := n.Connect(caAddr)
	if err != nil {
		return err
	}
	env := NewEnvelope(CmdCAGetCRL, n.addr.Canonical(), nil)
	slot := n.dispatch.newRequest(env.ID)
	if err := edge.send(env); err != nil {
		return err
	}
	reply, err := slot.await()
	if err != nil {
		return err
	}
	var resp caCRLResponsePayload
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("chaski: %s", resp.Error)
	}
	if n.crlCache == nil {
		n.crlCache = pki.NewCachedCRL()
	}
	return n.crlCache.LoadPEM(resp.CRLPEM)
}
