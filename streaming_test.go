package chaski

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func TestPushDeliversOnlyToPairedSubscribers(t *testing.T) {
	cv.Convey("Push reaches a paired, subscribed peer and is ignored by an unsubscribed one", t, func() {
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

		nodeA.Push("weather", []byte("rain"))
		msg, ok := receiveWithTimeout(nodeB, time.Second)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(string(msg.Payload), cv.ShouldEqual, "rain")
	})
}

func TestQueueOverflowCountIncrementsWhenDeliveryQueueIsFull(t *testing.T) {
	before := QueueOverflowCount()

	cfg := NewConfig()
	cfg.Subscriptions = []string{"firehose"}
	cfg.DeliveryQueueCapacity = 1
	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	env := NewEnvelope(CmdTopicMessage, "ChaskiNode@127.0.0.1:1", []byte("a"))
	env.Topic = "firehose"
	n.handleTopicMessage(nil, env)

	env2 := NewEnvelope(CmdTopicMessage, "ChaskiNode@127.0.0.1:1", []byte("b"))
	env2.Topic = "firehose"
	n.handleTopicMessage(nil, env2)

	if QueueOverflowCount() <= before {
		t.Fatalf("expected QueueOverflowCount to increase once the 1-slot queue overflowed")
	}
}

func TestUnsubscribeSendsUnpairAndClearsLocalPairing(t *testing.T) {
	cv.Convey("Unsubscribe tells paired peers to stop and forgets local pairing state", t, func() {
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

		nodeA.Unsubscribe("weather")
		cv.So(nodeA.isPairedWith("weather", addrB.Canonical()), cv.ShouldBeFalse)
		cv.So(waitUntil(func() bool {
			return !nodeB.isPairedWith("weather", nodeA.addr.Canonical())
		}, time.Second), cv.ShouldBeTrue)
	})
}
