package engine

import (
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/sse"
)

type finishFunc func(usage canonical.Usage, err error, completed bool)

// trackedStream passes an event stream through unchanged while a side reader picks usage out of
// message_start and message_delta frames. finish runs exactly once, on Close.
type trackedStream struct {
	body io.ReadCloser
	tap  *io.PipeWriter
	done chan struct{}

	usage canonical.Usage

	err       error
	completed bool

	once   sync.Once
	finish finishFunc
}

func newTrackedStream(body io.ReadCloser, finish finishFunc) *trackedStream {
	pr, pw := io.Pipe()
	s := &trackedStream{
		body:   body,
		tap:    pw,
		done:   make(chan struct{}),
		finish: finish,
	}

	go s.collectUsage(pr)

	return s
}

func (s *trackedStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 {
		_, _ = s.tap.Write(p[:n])
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.completed = true
		} else if s.err == nil {
			s.err = err
		}
	}
	return n, err
}

func (s *trackedStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
		s.tap.Close()
		<-s.done
		s.finish(s.usage, s.err, s.completed)
	})
	return err
}

type usageFrame struct {
	Type    string `json:"type"`
	Message *struct {
		Usage canonical.Usage `json:"usage"`
	} `json:"message"`
	Usage *canonical.Usage `json:"usage"`
}

func (s *trackedStream) collectUsage(r *io.PipeReader) {
	defer close(s.done)
	// keep the pipe drained whatever happens to parsing
	defer io.Copy(io.Discard, r)

	reader := sse.NewReader(r)
	for {
		frame, err := reader.Next()
		if err != nil {
			return
		}

		var f usageFrame
		if json.Unmarshal([]byte(frame.Data), &f) != nil {
			continue
		}

		switch f.Type {
		case canonical.EventMessageStart:
			if f.Message != nil {
				s.usage.InputTokens = f.Message.Usage.InputTokens
			}
		case canonical.EventMessageDelta:
			if f.Usage == nil {
				continue
			}
			if f.Usage.InputTokens > 0 {
				s.usage.InputTokens = f.Usage.InputTokens
			}
			s.usage.OutputTokens = f.Usage.OutputTokens
		}
	}
}
