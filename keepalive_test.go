package chaski

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func TestKeepaliveRoundTripRecordsRTT(t *testing.T) {
	cv.Convey("a keepalive ping answered with keepalive_response records an RTT sample", t, func() {
		server, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		addr, err := server.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer server.Close()

		client, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		_, err = client.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer client.Close()

		edge, err := client.Connect(addr)
		cv.So(err, cv.ShouldBeNil)
		cv.So(edge.RTTQuantile(0.5), cv.ShouldEqual, float64(0))

		cv.So(edge.ping(client.addr.Canonical()), cv.ShouldBeNil)
		cv.So(waitUntil(func() bool {
			return edge.RTTQuantile(0.5) > 0
		}, time.Second), cv.ShouldBeTrue)
	})
}

func TestTooManyEdgesRefusesNewInboundConnections(t *testing.T) {
	cv.Convey("a node at MaxConnections sends too_many_edges and the dialer closes the connection", t, func() {
		cfg := NewConfig()
		cfg.MaxConnections = 1
		server, err := NewNode(cfg)
		cv.So(err, cv.ShouldBeNil)
		addr, err := server.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer server.Close()

		firstClient, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		_, err = firstClient.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer firstClient.Close()
		_, err = firstClient.Connect(addr)
		cv.So(err, cv.ShouldBeNil)

		cv.So(waitUntil(func() bool {
			return server.edges.Len() >= 1
		}, time.Second), cv.ShouldBeTrue)

		secondClient, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		_, err = secondClient.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer secondClient.Close()

		edge, err := secondClient.Connect(addr)
		cv.So(err, cv.ShouldBeNil)
		cv.So(waitUntil(func() bool {
			select {
			case <-edge.Halt.ReqStop.Chan:
				return true
			default:
				return false
			}
		}, time.Second), cv.ShouldBeTrue)
	})
}
