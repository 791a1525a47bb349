package chaski

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func TestPushFileSkipsChunksAlreadyPresentOnResume(t *testing.T) {
	cv.Convey("a receiver with a partially-written .part file tells the sender to skip ahead, and the file still completes correctly", t, func() {
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
		cfgB.DefaultChunkSize = 16
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

		content := make([]byte, 80)
		for i := range content {
			content[i] = byte(i % 251)
		}
		srcPath := filepath.Join(srcDir, "payload.bin")
		cv.So(os.WriteFile(srcPath, content, 0644), cv.ShouldBeNil)

		// simulate a prior interrupted transfer: the receiver already has
		// the first two 16-byte chunks of payload.bin on disk as a .part
		// file, so handleFileChunk must ask the sender to skip to index 2.
		partPath := filepath.Join(destDir, "payload.bin.part")
		cv.So(os.WriteFile(partPath, content[:32], 0644), cv.ShouldBeNil)

		dialAddr := addrB
		dialAddr.RequestPaired = true
		_, err = nodeA.Connect(dialAddr)
		cv.So(err, cv.ShouldBeNil)
		cv.So(waitUntil(func() bool {
			return nodeA.isPairedWith("backups", addrB.Canonical())
		}, time.Second), cv.ShouldBeTrue)

		nodeA.cfg.DefaultChunkSize = 16
		cv.So(nodeA.PushFile("backups", srcPath), cv.ShouldBeNil)

		var filename string
		select {
		case filename = <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for the resumed transfer to complete")
		}
		cv.So(filename, cv.ShouldEqual, "payload.bin")

		gotBytes, err := os.ReadFile(filepath.Join(destDir, filename))
		cv.So(err, cv.ShouldBeNil)
		cv.So(string(gotBytes), cv.ShouldEqual, string(content))
	})
}
