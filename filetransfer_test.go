package chaski

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func TestPushFileDeliversWholeFileAndFiresCallback(t *testing.T) {
	cv.Convey("PushFile streams a multi-chunk file to a paired peer, which reassembles and reports completion", t, func() {
		srcDir := t.TempDir()
		destDir := t.TempDir()

		cfgA := NewConfig()
		cfgA.Subscriptions = []string{"backups"}
		nodeA, err := NewNode(cfgA)
		cv.So(err, cv.ShouldBeNil)
		_, err = nodeA.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer nodeA.Close()

		cfgB := NewConfig()
		cfgB.Subscriptions = []string{"backups"}
		cfgB.DefaultChunkSize = 16 // force many small chunks to exercise reassembly
		nodeB, err := NewNode(cfgB)
		cv.So(err, cv.ShouldBeNil)
		addrB, err := nodeB.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer nodeB.Close()

		nodeB.SetFileDestination(destDir)
		received := make(chan string, 1)
		nodeB.OnFileReceived(func(filename string, size int64, source, topic string) {
			received <- filename
		})

		dialAddr := addrB
		dialAddr.RequestPaired = true
		_, err = nodeA.Connect(dialAddr)
		cv.So(err, cv.ShouldBeNil)
		cv.So(waitUntil(func() bool {
			return nodeA.isPairedWith("backups", addrB.Canonical())
		}, time.Second), cv.ShouldBeTrue)

		srcPath := filepath.Join(srcDir, "payload.bin")
		content := make([]byte, 500)
		for i := range content {
			content[i] = byte(i % 251)
		}
		cv.So(os.WriteFile(srcPath, content, 0644), cv.ShouldBeNil)

		nodeA.cfg.DefaultChunkSize = 16

		cv.So(nodeA.PushFile("backups", srcPath), cv.ShouldBeNil)

		var filename string
		select {
		case filename = <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for file to arrive")
		}
		cv.So(filename, cv.ShouldEqual, "payload.bin")

		gotBytes, err := os.ReadFile(filepath.Join(destDir, filename))
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(gotBytes), cv.ShouldEqual, len(content))
		cv.So(string(gotBytes), cv.ShouldEqual, string(content))
	})
}
