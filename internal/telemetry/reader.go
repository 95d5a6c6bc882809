package telemetry

import (
	"bufio"
	"io"
)

// DefaultMaxLineLength caps a single line of miner output
const DefaultMaxLineLength = 4096

// readLines calls fn for each line of r until EOF or a read error. Lines
// longer than maxLen are truncated, and fn is told so; the remainder of an
// over-long line is discarded. io.EOF is reported as nil.
func readLines(r io.Reader, maxLen int, fn func(line string, truncated bool)) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}

	br := bufio.NewReaderSize(r, min(maxLen, 64*1024))
	buf := make([]byte, 0, 256)
	truncated := false

	for {
		frag, isPrefix, err := br.ReadLine()
		if room := maxLen - len(buf); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
				truncated = true
			}
			buf = append(buf, frag...)
		} else if len(frag) > 0 {
			truncated = true
		}

		if err != nil {
			if len(buf) > 0 {
				fn(string(buf), truncated)
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !isPrefix {
			fn(string(buf), truncated)
			buf = buf[:0]
			truncated = false
		}
	}
}
