// Package sse encodes and incrementally parses server-sent event frames.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DoneSentinel terminates OpenAI-style streams.
const DoneSentinel = "[DONE]"

// Frame is one dispatched event: the lines between two blank lines.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// IsDone reports whether the frame carries the [DONE] sentinel.
func (f Frame) IsDone() bool {
	return strings.TrimSpace(f.Data) == DoneSentinel
}

// Encode formats data as an `event: <type>\ndata: <json>\n\n` frame.
func Encode(eventType string, data any) []byte {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":\"failed to marshal event\"}}\n\n")
	}

	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, jsonData))
}

// Reader accumulates lines until a blank line and then yields the frame. It reads bytes, so a
// multi-byte character split across network reads is reassembled before any parsing happens.
type Reader struct {
	r *bufio.Reader
}

const maxLine = 4 << 20

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-empty frame. It returns io.EOF once the stream ends cleanly; a
// trailing frame without its blank line is still delivered before io.EOF.
func (r *Reader) Next() (Frame, error) {
	var (
		frame   Frame
		data    []string
		pending bool
	)

	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && pending {
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			return Frame{}, err
		}

		if line == "" {
			if pending {
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			continue
		}

		if line[0] == ':' {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			frame.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		case "id":
			frame.ID = value
			pending = true
		}
	}
}

func (r *Reader) readLine() (string, error) {
	var buf bytes.Buffer
	for {
		chunk, isPrefix, err := r.r.ReadLine()
		buf.Write(chunk)
		if err != nil {
			return strings.TrimRight(buf.String(), "\r"), err
		}
		if buf.Len() > maxLine {
			return "", fmt.Errorf("sse line exceeds %d bytes", maxLine)
		}
		if !isPrefix {
			return buf.String(), nil
		}
	}
}
