package chaski

import "encoding/json"

// ProxyFunc resolves one proxy_call: module_path/attr_path name the
// target, args/kwargs carry the call's arguments, and the raw JSON
// result or error is returned verbatim to the caller. Argument and
// return marshaling beyond this JSON passthrough is left to whatever
// sits above the transport, matching the contract that this layer only
// guarantees correlated request/response and bounded concurrency.
type ProxyFunc func(modulePath, attrPath string, args []json.RawMessage, kwargs map[string]json.RawMessage) (json.RawMessage, error)

type proxyCallPayload struct {
	ModulePath string                     `json:"module_path"`
	AttrPath   string                     `json:"attr_path"`
	Args       []json.RawMessage          `json:"args"`
	Kwargs     map[string]json.RawMessage `json:"kwargs"`
}

type proxyResponsePayload struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// AllowedModulePaths restricts which module_path values this node's
// ProxyFunc will be invoked for; empty means unrestricted. Configuring
// this is how a node limits what a remote peer may reach through the
// proxy layer.
type AllowedModulePaths struct {
	paths map[string]bool
}

func NewAllowedModulePaths(paths ...string) *AllowedModulePaths {
	m := make(map[string]bool, len(paths))
	for _, p := range paths {
		m[p] = true
	}
	return &AllowedModulePaths{paths: m}
}

func (a *AllowedModulePaths) allows(modulePath string) bool {
	if a == nil || len(a.paths) == 0 {
		return true
	}
	return a.paths[modulePath]
}

// EnableProxy installs fn as this node's proxy_call handler, optionally
// restricted to allowed module paths.
func (n *Node) EnableProxy(fn ProxyFunc, allowed *AllowedModulePaths) {
	n.proxyFunc = fn
	n.proxyAllowed = allowed
}

func (n *Node) handleProxyCall(edge *Edge, env *Envelope) {
	var req proxyCallPayload
	var resp proxyResponsePayload

	if err := json.Unmarshal(env.Payload, &req); err != nil {
		resp.Error = err.Error()
		n.replyProxy(edge, env, &resp)
		return
	}

	if n.proxyFunc == nil {
		resp.Error = "this node does not serve proxy_call"
	} else if !n.proxyAllowed.allows(req.ModulePath) {
		resp.Error = "module_path not permitted: " + req.ModulePath
	} else {
		result, err := n.proxyFunc(req.ModulePath, req.AttrPath, req.Args, req.Kwargs)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
	}

	n.replyProxy(edge, env, &resp)
}

func (n *Node) replyProxy(edge *Edge, req *Envelope, resp *proxyResponsePayload) {
	body, _ := json.Marshal(resp)
	out := NewEnvelope(CmdProxyCallResp, n.addr.Canonical(), body)
	out.ID = req.ID
	edge.send(out)
}

// ProxyCall sends a proxy_call to addr and waits for its correlated
// response, bounded by the node's RequestTimeout. No more than
// Config.MaxInFlightProxyCalls calls may be outstanding from this node
// at once; a call beyond that blocks until an earlier one completes or
// the node halts, per the bounded in-flight concurrency contract.
func (n *Node) ProxyCall(addr Address, modulePath, attrPath string, args []json.RawMessage, kwargs map[string]json.RawMessage) (json.RawMessage, error) {
	select {
	case n.proxyCallSem <- struct{}{}:
	case <-n.Halt.ReqStop.Chan:
		return nil, ErrHaltRequested
	}
	defer func() { <-n.proxyCallSem }()

	edge, err := n.Connect(addr)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(proxyCallPayload{ModulePath: modulePath, AttrPath: attrPath, Args: args, Kwargs: kwargs})
	env := NewEnvelope(CmdProxyCall, n.addr.Canonical(), body)

	slot := n.dispatch.newRequest(env.ID)
	if err := edge.send(env); err != nil {
		return nil, err
	}
	reply, err := slot.await()
	if err != nil {
		return nil, err
	}

	var resp proxyResponsePayload
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ProxyError{Message: resp.Error}
	}
	return resp.Result, nil
}

// ProxyError wraps a remote proxy_call failure reported by the callee,
// distinct from a local transport or timeout error.
type ProxyError struct{ Message string }

func (e *ProxyError) Error() string { return "chaski: proxy call failed: " + e.Message }
