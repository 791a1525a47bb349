package chaski

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// quicConn adapts a quic-go stream pair to the net.Conn-shaped read/write
// surface Edge and codec expect, so the rest of the node runtime is
// transport-agnostic: an Edge over QUIC and an Edge over TCP+TLS run
// through the same codec and dispatcher code.
type quicConn struct {
	quic.Stream
	conn quic.Connection
}

func (q *quicConn) LocalAddr() net.Addr  { return q.conn.LocalAddr() }
func (q *quicConn) RemoteAddr() net.Addr { return q.conn.RemoteAddr() }

// listenQUIC binds a QUIC listener on hostport for nodes with
// Config.QUICEnabled set, accepting one bidirectional stream per
// incoming connection and handing it to onAccept as though it were a
// plain net.Conn, exactly as Node.acceptLoop does for TCP.
func listenQUIC(hostport string, tlsConf *tls.Config, onAccept func(net.Conn)) (io_Closer, error) {
	quicConf := &quic.Config{Allow0RTT: true}
	ln, err := quic.ListenAddr(hostport, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	go func() {
		for {
			ctx := context.Background()
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				stream, err := conn.AcceptStream(ctx)
				if err != nil {
					conn.CloseWithError(0, "stream accept failed")
					return
				}
				onAccept(&quicConn{Stream: stream, conn: conn})
			}()
		}
	}()

	return ln, nil
}

// dialQUIC opens a QUIC connection plus a single bidirectional stream to
// hostport, wrapped as a net.Conn for Node.Connect's benefit.
func dialQUIC(ctx context.Context, hostport string, tlsConf *tls.Config) (net.Conn, error) {
	quicConf := &quic.Config{Allow0RTT: true}
	conn, err := quic.DialAddr(ctx, hostport, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	return &quicConn{Stream: stream, conn: conn}, nil
}

// io_Closer avoids importing io just for this one method set, matching
// the small, locally-scoped interfaces the teacher's transport code
// tends to declare next to their one use site.
type io_Closer interface {
	Close() error
}

// ConnectQUIC dials addr over QUIC instead of TCP+TLS and registers the
// resulting Edge exactly as Connect does, for deployments that prefer
// QUIC's connection migration and 0-RTT reconnect behavior. TLS is
// mandatory for the QUIC path since QUIC requires it at the transport
// level regardless of Config.TLSEnabled.
func (n *Node) ConnectQUIC(addr Address) (*Edge, error) {
	if n.tlsConf == nil {
		return nil, fmt.Errorf("chaski: QUIC transport requires TLSEnabled")
	}
	if e, ok := n.edges.Get(addr.Canonical()); ok {
		return e, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialQUIC(ctx, addr.HostPort(), n.tlsConf)
	if err != nil {
		return nil, err
	}
	edge := n.attachEdge(conn, addr)
	edge.markReportedSent()
	n.sendReportPaired(edge, addr.RequestPaired)
	return edge, nil
}

// listenQUICIfEnabled is called from Listen when Config.QUICEnabled is
// set, adding a second accept path alongside the TCP listener.
func (n *Node) listenQUICIfEnabled() error {
	if !n.cfg.QUICEnabled || n.tlsConf == nil {
		return nil
	}
	hostport := net.JoinHostPort(n.cfg.Host, portStr(n.cfg.Port+1))
	_, err := listenQUIC(hostport, n.tlsConf, func(conn net.Conn) {
		placeholder := Address{Class: n.cfg.Class, Host: remoteHost(conn), Port: remotePort(conn)}
		n.attachEdge(conn, placeholder)
	})
	return err
}
