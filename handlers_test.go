package chaski

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func TestRequestPauseStopsPushUntilResumeFlow(t *testing.T) {
	cv.Convey("RequestPause silences a topic's deliveries, ResumeFlow un-silences them", t, func() {
		cfgA := NewConfig()
		cfgA.Subscriptions = []string{"weather"}
		nodeA, err := NewNode(cfgA)
		cv.So(err, cv.ShouldBeNil)
		_, err = nodeA.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer nodeA.Close()

		cfgB := NewConfig()
		cfgB.Subscriptions = []string{"weather"}
		nodeB, err := NewNode(cfgB)
		cv.So(err, cv.ShouldBeNil)
		addrB, err := nodeB.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer nodeB.Close()

		dialAddr := addrB
		dialAddr.RequestPaired = true
		_, err = nodeA.Connect(dialAddr)
		cv.So(err, cv.ShouldBeNil)
		cv.So(waitUntil(func() bool {
			return nodeA.isPairedWith("weather", addrB.Canonical())
		}, time.Second), cv.ShouldBeTrue)
		cv.So(waitUntil(func() bool {
			return nodeB.isPairedWith("weather", nodeA.addr.Canonical())
		}, time.Second), cv.ShouldBeTrue)

		// nodeB asks nodeA to pause pushes on "weather".
		nodeB.RequestPause("weather")
		cv.So(waitUntil(func() bool {
			_, paused := nodeA.paused.Get(nodeA.pairKey("weather", addrB.Canonical()))
			return paused
		}, time.Second), cv.ShouldBeTrue)

		nodeA.Push("weather", []byte("should be dropped"))
		_, ok := receiveWithTimeout(nodeB, 200*time.Millisecond)
		cv.So(ok, cv.ShouldBeFalse)

		nodeB.ResumeFlow("weather")
		cv.So(waitUntil(func() bool {
			_, paused := nodeA.paused.Get(nodeA.pairKey("weather", addrB.Canonical()))
			return !paused
		}, time.Second), cv.ShouldBeTrue)

		nodeA.Push("weather", []byte("rain"))
		msg, ok := receiveWithTimeout(nodeB, time.Second)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(string(msg.Payload), cv.ShouldEqual, "rain")
	})
}

func TestTerminateClosesTheRemoteNode(t *testing.T) {
	cv.Convey("Terminate tells a peer to shut itself down", t, func() {
		server, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		addr, err := server.Listen()
		cv.So(err, cv.ShouldBeNil)

		client, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		_, err = client.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer client.Close()

		cv.So(client.Terminate(addr), cv.ShouldBeNil)
		cv.So(waitUntil(func() bool {
			select {
			case <-server.Halt.ReqStop.Chan:
				return true
			default:
				return false
			}
		}, time.Second), cv.ShouldBeTrue)
	})
}
