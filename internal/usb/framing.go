package usb

import (
	"bytes"
	"strconv"
	"strings"
)

type frameState int

const (
	// frameHeaders means the header block is not terminated yet.
	frameHeaders frameState = iota
	// frameBody means the headers announce a body that is still short.
	frameBody
	// frameComplete means the message ends at the returned length.
	frameComplete
	// frameUntilClose means the body runs until the connection closes.
	frameUntilClose
	// frameInvalid means the framing headers cannot be parsed.
	frameInvalid
)

var headerEnd = []byte("\r\n\r\n")

// frame inspects an HTTP/1.x message prefix and reports how far it is
// from complete. n is the message length for frameComplete.
func frame(buf []byte, response bool) (state frameState, n int) {
	end := bytes.Index(buf, headerEnd)
	if end < 0 {
		return frameHeaders, 0
	}
	head := string(buf[:end])
	body := end + len(headerEnd)

	lines := strings.Split(head, "\r\n")
	if response && !responseHasBody(lines[0]) {
		return frameComplete, body
	}

	length := -1
	chunked := false
	for _, l := range lines[1:] {
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length":
			if v, err := strconv.Atoi(value); err == nil && v >= 0 {
				length = v
			}
		case "transfer-encoding":
			chunked = strings.Contains(strings.ToLower(value), "chunked")
		}
	}

	switch {
	case chunked:
		st, n := chunkedEnd(buf[body:])
		if st == frameComplete {
			n += body
		}
		return st, n
	case length >= 0:
		if len(buf)-body >= length {
			return frameComplete, body + length
		}
		return frameBody, 0
	case response:
		return frameUntilClose, 0
	}
	// Requests without a length have no body.
	return frameComplete, body
}

// responseHasBody reports whether the status line allows a body.
func responseHasBody(status string) bool {
	fields := strings.Fields(status)
	if len(fields) < 2 {
		return true
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return true
	}
	return code >= 200 && code != 204 && code != 304
}

// maxChunkBits bounds a single chunk to what a 32-bit size can express.
const maxChunkBits = 32

// chunkedEnd finds the end of a chunked body, trailers included.
func chunkedEnd(b []byte) (frameState, int) {
	pos := 0
	for {
		eol := bytes.Index(b[pos:], []byte("\r\n"))
		if eol < 0 {
			return frameBody, 0
		}
		line := string(b[pos : pos+eol])
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, maxChunkBits)
		if err != nil || size < 0 {
			return frameInvalid, 0
		}
		pos += eol + 2
		if size == 0 {
			// Trailer section ends with an empty line.
			for {
				eol := bytes.Index(b[pos:], []byte("\r\n"))
				if eol < 0 {
					return frameBody, 0
				}
				pos += eol + 2
				if eol == 0 {
					return frameComplete, pos
				}
			}
		}
		// Chunk data plus its CRLF.
		if size > int64(len(b)-pos)-2 {
			return frameBody, 0
		}
		pos += int(size) + 2
	}
}
