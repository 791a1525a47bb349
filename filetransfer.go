package chaski

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	gjson "github.com/goccy/go-json"
	"github.com/glycerine/blake3"
	"github.com/google/uuid"
)

// maxBufferedFileChunks bounds a receiver's out-of-order chunk buffer;
// exceeding it triggers flow_pause back to the sender for that file_id.
const maxBufferedFileChunks = 32

// fileChunkPayload is the JSON-encoded shape carried in a file_chunk
// envelope's Payload. SHA256 is computed over Data alone and lets the
// receiver detect a corrupted chunk without re-reading the whole file.
type fileChunkPayload struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	Index       int    `json:"index"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int    `json:"chunk_size"`
	Size        int64  `json:"size"`
	Data        []byte `json:"data"`
	EOF         bool   `json:"eof"`
	SHA256      string `json:"sha256"`
	Source      string `json:"source"`
	Topic       string `json:"topic"`
}

type fileResumePayload struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	NextIdx  int    `json:"next_index"`
}

// FileHandlingCallback is invoked once a received file is complete and
// has been fsynced and renamed to its final name.
type FileHandlingCallback func(filename string, size int64, source, topic string)

type receiveRecord struct {
	mu          sync.Mutex
	fileID      string
	filename    string
	source      string
	topic       string
	destDir     string
	partFile    *os.File
	nextIndex   int
	totalChunks int
	size        int64
	buffered    map[int]fileChunkPayload
	retries     map[int]int
	digest      *blake3.Hasher
	pausedSent  bool
}

// fileTransferManager runs the chunked push_file protocol: the send
// side streams sequential chunks per file_id on one edge, the receive
// side reassembles into a <filename>.part file with out-of-order
// buffering and per-chunk SHA-256 verification, bounded to
// MaxConcurrentFiles simultaneous receives.
type fileTransferManager struct {
	node *Node

	destDir  string
	callback FileHandlingCallback

	receiving *Mutexmap[string, *receiveRecord] // keyed by file_id

	// resumeRequests carries file_resume_from next-index hints from an
	// in-progress receiver back to the still-running streamChunks
	// goroutine for the same file_id, keyed by file_id.
	resumeRequests *Mutexmap[string, int]

	activeCount int
	activeMu    sync.Mutex
}

func newFileTransferManager(n *Node) *fileTransferManager {
	return &fileTransferManager{
		node:           n,
		destDir:        ".",
		receiving:      NewMutexmap[string, *receiveRecord](),
		resumeRequests: NewMutexmap[string, int](),
	}
}

// SetFileDestination configures the directory incoming files are
// reassembled into.
func (n *Node) SetFileDestination(dir string) { n.files.destDir = dir }

// OnFileReceived registers the callback invoked when a file transfer
// completes successfully.
func (n *Node) OnFileReceived(cb FileHandlingCallback) { n.files.callback = cb }

// FileProgress reports bytes sent so far out of total for one PushFile
// call, for CLI and UI progress meters.
type FileProgress func(fileID string, sent, total int64)

// PushFile reads path from disk and streams it as file_chunk envelopes
// to every edge paired on topic, sequentially per file_id. Concurrent
// calls for different files interleave freely; the per-edge write mutex
// in Edge.send keeps each file's chunks contiguous on the wire relative
// to each other since chunks for one file_id are emitted from a single
// goroutine in index order.
func (n *Node) PushFile(topic, path string) error {
	return n.PushFileWithProgress(topic, path, nil)
}

// PushFileWithProgress behaves like PushFile but invokes onProgress
// after every chunk write, if non-nil.
func (n *Node) PushFileWithProgress(topic, path string, onProgress FileProgress) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	fileID := uuid.New().String()
	filename := filepath.Base(path)
	chunkSize := n.cfg.DefaultChunkSize
	total := int((stat.Size() + int64(chunkSize) - 1) / int64(chunkSize))
	if total == 0 {
		total = 1
	}

	edges := n.edgesPairedOn(topic)
	if len(edges) == 0 {
		return fmt.Errorf("chaski: no peers paired on topic %q", topic)
	}

	return n.streamChunks(f, stat.Size(), fileID, filename, topic, chunkSize, total, edges, onProgress)
}

func (n *Node) edgesPairedOn(topic string) (out []*Edge) {
	for _, edge := range n.edges.GetValSlice() {
		if n.isPairedWith(topic, edge.Remote.Canonical()) {
			out = append(out, edge)
		}
	}
	return
}

// anyEdgePausedForFile reports whether any of edges has sent flow_pause
// for fileID, per the per-(file_id, edge) pause bookkeeping handleFlowPause
// keeps in n.paused.
func (n *Node) anyEdgePausedForFile(fileID string, edges []*Edge) bool {
	for _, edge := range edges {
		if _, paused := n.paused.Get(n.pairKey(fileID, edge.Remote.Canonical())); paused {
			return true
		}
	}
	return false
}

// waitWhilePausedForFile blocks streamChunks while any fan-out edge has
// asked this file_id to pause, waking periodically to re-check and
// returning ErrHaltRequested if the node shuts down while paused.
func (n *Node) waitWhilePausedForFile(fileID string, edges []*Edge) error {
	for n.anyEdgePausedForFile(fileID, edges) {
		select {
		case <-n.Halt.ReqStop.Chan:
			return ErrHaltRequested
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (n *Node) sendFlowPause(edge *Edge, fileID string) {
	env := NewEnvelope(CmdFlowPause, n.addr.Canonical(), nil)
	env.Topic = fileID
	edge.send(env)
}

func (n *Node) sendFlowResume(edge *Edge, fileID string) {
	env := NewEnvelope(CmdFlowResume, n.addr.Canonical(), nil)
	env.Topic = fileID
	edge.send(env)
}

func (n *Node) streamChunks(f *os.File, size int64, fileID, filename, topic string, chunkSize, total int, edges []*Edge, onProgress FileProgress) error {
	buf := make([]byte, chunkSize)
	var sent int64
	for idx := 0; idx < total; idx++ {
		if err := n.waitWhilePausedForFile(fileID, edges); err != nil {
			return err
		}

		if next, ok := n.files.resumeRequests.Get(fileID); ok {
			n.files.resumeRequests.Del(fileID)
			if next != idx {
				if _, err := f.Seek(int64(next)*int64(chunkSize), io.SeekStart); err != nil {
					return err
				}
				idx = next - 1
				sent = int64(next) * int64(chunkSize)
				continue
			}
		}

		nread, err := f.Read(buf)
		if nread == 0 && err != nil {
			break
		}
		chunk := buf[:nread]
		sum := sha256.Sum256(chunk)

		payload := fileChunkPayload{
			FileID:      fileID,
			Filename:    filename,
			Index:       idx,
			TotalChunks: total,
			ChunkSize:   chunkSize,
			Size:        size,
			Data:        append([]byte{}, chunk...),
			EOF:         idx == total-1,
			SHA256:      fmt.Sprintf("%x", sum),
			Source:      n.node_Canonical(),
			Topic:       topic,
		}
		body, merr := gjson.Marshal(payload)
		if merr != nil {
			return merr
		}
		env := NewEnvelope(CmdFileChunk, n.node_Canonical(), body)
		env.Topic = topic
		for _, edge := range edges {
			edge.send(env)
		}
		sent += int64(len(chunk))
		if onProgress != nil {
			onProgress(fileID, sent, size)
		}
	}
	return nil
}

func (n *Node) node_Canonical() string { return n.addr.Canonical() }

func (n *Node) handleFileChunk(edge *Edge, env *Envelope) {
	var p fileChunkPayload
	if err := gjson.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	rec, ok := n.files.receiving.Get(p.FileID)
	if !ok {
		n.files.activeMu.Lock()
		if n.files.activeCount >= n.cfg.MaxConcurrentFiles {
			n.files.activeMu.Unlock()
			n.replyFileBusy(edge, p.FileID)
			return
		}
		n.files.activeCount++
		n.files.activeMu.Unlock()

		var err error
		rec, err = n.openReceiveRecord(p)
		if err != nil {
			vv("node %v: open receive record for %v failed: %v", n.addr, p.Filename, err)
			return
		}
		n.files.receiving.Set(p.FileID, rec)

		if rec.nextIndex > 0 {
			resume := fileResumePayload{FileID: p.FileID, Filename: p.Filename, NextIdx: rec.nextIndex}
			body, _ := gjson.Marshal(resume)
			resp := NewEnvelope(CmdFileResumeFrom, n.addr.Canonical(), body)
			edge.send(resp)
			if p.Index != rec.nextIndex {
				return
			}
		}
	}

	n.applyChunk(edge, rec, p)
}

func (n *Node) replyFileBusy(edge *Edge, fileID string) {
	env := NewEnvelope(CmdFileTransferFail, n.addr.Canonical(), []byte(fileID))
	edge.send(env)
}

func (n *Node) openReceiveRecord(p fileChunkPayload) (*receiveRecord, error) {
	partPath := filepath.Join(n.files.destDir, p.Filename+".part")

	nextIndex := 0
	if st, err := os.Stat(partPath); err == nil {
		nextIndex = int(st.Size() / int64(p.ChunkSize))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if nextIndex > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return nil, err
	}

	h := blake3.New(64, nil)
	return &receiveRecord{
		fileID:      p.FileID,
		filename:    p.Filename,
		source:      p.Source,
		topic:       p.Topic,
		destDir:     n.files.destDir,
		partFile:    f,
		nextIndex:   nextIndex,
		totalChunks: p.TotalChunks,
		size:        p.Size,
		buffered:    make(map[int]fileChunkPayload),
		retries:     make(map[int]int),
		digest:      h,
	}, nil
}

func (n *Node) applyChunk(edge *Edge, rec *receiveRecord, p fileChunkPayload) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	sum := sha256.Sum256(p.Data)
	if fmt.Sprintf("%x", sum) != p.SHA256 {
		rec.retries[p.Index]++
		if rec.retries[p.Index] > n.cfg.MaxChunkRetries {
			n.abortFileTransfer(edge, rec, fmt.Sprintf("chunk integrity check failed after %d retries", n.cfg.MaxChunkRetries))
			return
		}
		resume := fileResumePayload{FileID: rec.fileID, Filename: rec.filename, NextIdx: p.Index}
		body, _ := gjson.Marshal(resume)
		resp := NewEnvelope(CmdFileResumeFrom, n.addr.Canonical(), body)
		edge.send(resp)
		return
	}

	if p.Index != rec.nextIndex {
		if len(rec.buffered) >= maxBufferedFileChunks {
			if !rec.pausedSent {
				rec.pausedSent = true
				n.sendFlowPause(edge, rec.fileID)
			}
			return
		}
		rec.buffered[p.Index] = p
		return
	}

	n.writeChunkLocked(rec, p)

	for {
		next, ok := rec.buffered[rec.nextIndex]
		if !ok {
			break
		}
		delete(rec.buffered, rec.nextIndex)
		n.writeChunkLocked(rec, next)
	}

	if rec.pausedSent && len(rec.buffered) < maxBufferedFileChunks {
		rec.pausedSent = false
		n.sendFlowResume(edge, rec.fileID)
	}

	if rec.nextIndex >= rec.totalChunks {
		n.finishFileLocked(rec)
	}
}

func (n *Node) writeChunkLocked(rec *receiveRecord, p fileChunkPayload) {
	rec.partFile.Write(p.Data)
	rec.digest.Write(p.Data)
	rec.nextIndex++
}

func (n *Node) finishFileLocked(rec *receiveRecord) {
	rec.partFile.Sync()
	rec.partFile.Close()

	finalPath := filepath.Join(rec.destDir, rec.filename)
	partPath := filepath.Join(rec.destDir, rec.filename+".part")
	os.Rename(partPath, finalPath)

	n.files.receiving.Del(rec.fileID)
	n.files.activeMu.Lock()
	n.files.activeCount--
	n.files.activeMu.Unlock()

	if n.files.callback != nil {
		n.files.callback(rec.filename, rec.size, rec.source, rec.topic)
	}
}

func (n *Node) abortFileTransfer(edge *Edge, rec *receiveRecord, reason string) {
	rec.partFile.Close()
	n.files.receiving.Del(rec.fileID)
	n.files.activeMu.Lock()
	n.files.activeCount--
	n.files.activeMu.Unlock()

	env := NewEnvelope(CmdFileTransferFail, n.addr.Canonical(), []byte(reason))
	edge.send(env)
}

// handleFileResumeFrom records the requested next chunk index so the
// streamChunks goroutine still sending this file_id seeks ahead (or
// rewinds, for a failed integrity check) on its next loop iteration.
func (n *Node) handleFileResumeFrom(edge *Edge, env *Envelope) {
	var r fileResumePayload
	if err := gjson.Unmarshal(env.Payload, &r); err != nil {
		return
	}
	n.files.resumeRequests.Set(r.FileID, r.NextIdx)
}

func (n *Node) handleFileTransferFailed(edge *Edge, env *Envelope) {
	vv("node %v: file transfer failed, reported by %v: %s", n.addr, edge.Remote, env.Payload)
}
