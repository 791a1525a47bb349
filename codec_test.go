package chaski

import (
	"bytes"
	"errors"
	"testing"
)

func TestCodecRoundTripNoCompression(t *testing.T) {
	c := newCodec(DefaultSerializer, CompressNone, 0)
	env := NewEnvelope(CmdTopicMessage, "ChaskiNode@127.0.0.1:1111", []byte("hello"))
	env.Topic = "weather"

	var buf bytes.Buffer
	if err := c.writeFrame(&buf, env); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got, err := c.readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got.Topic != env.Topic || string(got.Payload) != string(env.Payload) || got.Origin != env.Origin {
		t.Fatalf("round trip mismatch: got %#v, want %#v", got, env)
	}
}

func TestCodecRoundTripLZ4(t *testing.T) {
	c := newCodec(DefaultSerializer, CompressLZ4, 0)
	payload := bytes.Repeat([]byte("repeatable-bytes-compress-well "), 200)
	env := NewEnvelope(CmdFileChunk, "ChaskiNode@127.0.0.1:1111", payload)

	var buf bytes.Buffer
	if err := c.writeFrame(&buf, env); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := c.readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("lz4 round trip corrupted payload")
	}
}

func TestCodecRoundTripZstd(t *testing.T) {
	c := newCodec(DefaultSerializer, CompressZstd, 0)
	payload := bytes.Repeat([]byte("more repeatable zstd bytes "), 500)
	env := NewEnvelope(CmdFileChunk, "ChaskiNode@127.0.0.1:1111", payload)

	var buf bytes.Buffer
	if err := c.writeFrame(&buf, env); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := c.readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("zstd round trip corrupted payload")
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	c := newCodec(DefaultSerializer, CompressNone, 0)
	buf := bytes.NewBuffer([]byte{0xde, 0xad, 0x00, 0, 0, 0, 0})
	_, err := c.readFrame(buf)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestFrameRejectsOversizePayload(t *testing.T) {
	c := newCodec(DefaultSerializer, CompressNone, 16)
	env := NewEnvelope(CmdTopicMessage, "ChaskiNode@127.0.0.1:1111", bytes.Repeat([]byte("x"), 4096))
	var buf bytes.Buffer
	err := c.writeFrame(&buf, env)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
