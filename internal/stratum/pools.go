// Package stratum implements the client side of the Stratum V1 mining
// protocol: message codec, pool URL parsing, and a Client that keeps one
// pool connection with a background read loop and a bounded job queue.
package stratum

import (
	"bytes"
	"encoding/json"
	"sync"
)

// frameBufferPool reuses buffers for outbound newline-delimited frames
var frameBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// encodeFrame serializes msg followed by '\n' into a pooled buffer.
// The caller must hand the buffer back with releaseFrame.
func encodeFrame(msg *Message) (*bytes.Buffer, error) {
	buf := frameBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	// Encoder.Encode appends the newline delimiter.
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		releaseFrame(buf)
		return nil, err
	}
	return buf, nil
}

func releaseFrame(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > 64*1024 {
		return
	}
	frameBufferPool.Put(buf)
}
