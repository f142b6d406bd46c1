package transformers

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mihaisavezi/claude-relay/internal/canonical"
	"github.com/mihaisavezi/claude-relay/internal/sse"
	"github.com/mihaisavezi/claude-relay/internal/upstream"
)

// StreamState tracks streaming conversion state
type StreamState struct {
	MessageStartSent bool
	MessageID        string
	Model            string
	Usage            canonical.Usage
	Finished         bool

	// Content block tracking for multiple blocks (text, tool_use)
	ContentBlocks map[int]*ContentBlockState
	NextIndex     int

	open  int         // index of the open block, -1 when none
	tools map[int]int // upstream tool call index -> content block index
}

// ContentBlockState tracks individual content block state during streaming
type ContentBlockState struct {
	Type          string
	StartSent     bool
	StopSent      bool
	ToolCallID    string
	ToolCallIndex int
	ToolName      string
	Arguments     string
}

func newStreamState(messageID, model string) *StreamState {
	return &StreamState{
		MessageID:     messageID,
		Model:         model,
		ContentBlocks: make(map[int]*ContentBlockState),
		open:          -1,
		tools:         make(map[int]int),
	}
}

type eventWriter struct {
	w io.Writer
}

func (e eventWriter) emit(event map[string]any) error {
	eventType, _ := event["type"].(string)
	_, err := e.w.Write(sse.Encode(eventType, event))
	return err
}

// start sends message_start once.
func (s *StreamState) start(w eventWriter) error {
	if s.MessageStartSent {
		return nil
	}
	if s.MessageID == "" {
		s.MessageID = newMessageID()
	}
	s.MessageStartSent = true
	return w.emit(canonical.MessageStart(s.MessageID, s.Model, s.Usage))
}

// text appends a text delta, opening a text block first when the open block is not text.
func (s *StreamState) text(w eventWriter, delta string) error {
	if err := s.start(w); err != nil {
		return err
	}

	if s.open < 0 || s.ContentBlocks[s.open].Type != canonical.BlockText {
		if err := s.closeOpen(w); err != nil {
			return err
		}
		idx := s.NextIndex
		s.NextIndex++
		s.ContentBlocks[idx] = &ContentBlockState{Type: canonical.BlockText, StartSent: true}
		s.open = idx
		if err := w.emit(canonical.TextBlockStart(idx)); err != nil {
			return err
		}
	}

	return w.emit(canonical.TextDelta(s.open, delta))
}

// tool routes a tool call fragment to its block. The first fragment of an upstream tool call
// index opens a new tool_use block.
func (s *StreamState) tool(w eventWriter, upstreamIndex int, id, name, arguments string) error {
	if err := s.start(w); err != nil {
		return err
	}

	idx, ok := s.tools[upstreamIndex]
	if !ok {
		if err := s.closeOpen(w); err != nil {
			return err
		}
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}

		idx = s.NextIndex
		s.NextIndex++
		s.tools[upstreamIndex] = idx
		s.ContentBlocks[idx] = &ContentBlockState{
			Type:          canonical.BlockToolUse,
			StartSent:     true,
			ToolCallID:    id,
			ToolCallIndex: upstreamIndex,
			ToolName:      name,
		}
		s.open = idx
		if err := w.emit(canonical.ToolUseBlockStart(idx, id, name)); err != nil {
			return err
		}
	}

	block := s.ContentBlocks[idx]
	if arguments == "" || block.StopSent {
		return nil
	}
	block.Arguments += arguments
	return w.emit(canonical.InputJSONDelta(idx, arguments))
}

func (s *StreamState) closeOpen(w eventWriter) error {
	if s.open < 0 {
		return nil
	}
	idx := s.open
	s.open = -1

	block := s.ContentBlocks[idx]
	if block.StopSent {
		return nil
	}
	block.StopSent = true
	return w.emit(canonical.ContentBlockStop(idx))
}

// finish closes every open content block, then sends message_delta and message_stop.
func (s *StreamState) finish(w eventWriter, stopReason string) error {
	if s.Finished {
		return nil
	}
	if err := s.start(w); err != nil {
		return err
	}

	for i := 0; i < s.NextIndex; i++ {
		block := s.ContentBlocks[i]
		if block == nil || !block.StartSent || block.StopSent {
			continue
		}
		block.StopSent = true
		if err := w.emit(canonical.ContentBlockStop(i)); err != nil {
			return err
		}
	}
	s.open = -1
	s.Finished = true

	usage := s.Usage
	if err := w.emit(canonical.MessageDelta(stopReason, &usage)); err != nil {
		return err
	}
	return w.emit(canonical.MessageStop())
}

// eventStream is the consumer end of a producer goroutine. Closing it cancels the producer's
// context, which aborts the upstream read.
type eventStream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (s *eventStream) Close() error {
	s.cancel()
	return s.PipeReader.Close()
}

// newEventStream runs produce in its own goroutine and returns the reader of everything it
// writes. ctx must be the context the upstream request was issued with and cancel its cancel
// function. A producer failure is reported to the consumer as a canonical error event followed
// by an *upstream.StreamError from Read.
func newEventStream(ctx context.Context, cancel context.CancelFunc, provider string, logger *slog.Logger,
	produce func(w eventWriter) error,
) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer cancel()

		err := produce(eventWriter{w: pw})
		if err == nil {
			pw.Close()
			return
		}

		if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
			logger.Debug("Stream abandoned by consumer", "provider", provider)
			pw.CloseWithError(err)
			return
		}

		logger.Error("Upstream stream failed", "provider", provider, "error", err)
		kind := upstream.Classify(err)
		_ = eventWriter{w: pw}.emit(canonical.ErrorEvent(upstream.ErrorType(kind), err.Error()))
		pw.CloseWithError(&upstream.StreamError{Provider: provider, Err: err})
	}()

	return &eventStream{PipeReader: pr, cancel: cancel}
}

func newMessageID() string {
	return "msg_" + uuid.NewString()
}
