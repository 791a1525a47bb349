package chaski

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func TestTwoNodesPairAndExchangeTopicMessages(t *testing.T) {
	cv.Convey("two plain-TCP nodes subscribed to the same topic should pair on connect and deliver topic_message both ways", t, func() {
		cfgA := NewConfig()
		cfgA.Subscriptions = []string{"weather"}
		nodeA, err := NewNode(cfgA)
		cv.So(err, cv.ShouldBeNil)
		addrA, err := nodeA.Listen()
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
			return nodeB.isPairedWith("weather", addrA.Canonical())
		}, time.Second), cv.ShouldBeTrue)

		nodeA.Push("weather", []byte("sunny"))
		msg, ok := receiveWithTimeout(nodeB, time.Second)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(msg.Topic, cv.ShouldEqual, "weather")
		cv.So(string(msg.Payload), cv.ShouldEqual, "sunny")

		nodeB.Push("weather", []byte("cloudy"))
		msg2, ok := receiveWithTimeout(nodeA, time.Second)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(string(msg2.Payload), cv.ShouldEqual, "cloudy")
	})
}

func TestConnectIsIdempotentPerAddress(t *testing.T) {
	cv.Convey("connecting twice to the same address returns the same Edge, never a second one", t, func() {
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

		e1, err := client.Connect(addr)
		cv.So(err, cv.ShouldBeNil)
		e2, err := client.Connect(addr)
		cv.So(err, cv.ShouldBeNil)
		cv.So(e1, cv.ShouldEqual, e2)
		cv.So(client.edges.Len(), cv.ShouldEqual, 1)
	})
}

func receiveWithTimeout(n *Node, timeout time.Duration) (*TopicMessage, bool) {
	select {
	case msg, ok := <-n.Receive():
		return msg, ok
	case <-time.After(timeout):
		return nil, false
	}
}

func waitUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
