package sse

import "strings"

// LineDecoder splits a chunked text stream into lines. Chunks may end in the
// middle of a line or between the two bytes of a CRLF terminator; the decoder
// buffers whatever is incomplete until the next call.
type LineDecoder struct {
	buf string
}

// Decode appends chunk to the internal buffer and returns every complete line
// now available. Lines end at `\r\n`, lone `\r`, or lone `\n`. A trailing
// `\r` at the end of the buffer is held back until more input arrives, since
// it may be the first half of a CRLF split across chunks.
func (d *LineDecoder) Decode(chunk string) []string {
	d.buf += chunk
	var lines []string
	for {
		i := strings.IndexAny(d.buf, "\r\n")
		if i < 0 {
			break
		}
		if d.buf[i] == '\r' {
			if i == len(d.buf)-1 {
				// terminator may continue in the next chunk
				break
			}
			if d.buf[i+1] == '\n' {
				lines = append(lines, d.buf[:i])
				d.buf = d.buf[i+2:]
				continue
			}
		}
		lines = append(lines, d.buf[:i])
		d.buf = d.buf[i+1:]
	}
	return lines
}

// Flush returns any buffered partial line as a final line and resets the
// decoder. Called once at end of stream.
func (d *LineDecoder) Flush() []string {
	if d.buf == "" {
		return nil
	}
	line := strings.TrimSuffix(d.buf, "\r")
	d.buf = ""
	return []string{line}
}
