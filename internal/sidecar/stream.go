// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// =============================================================================
// STREAM CHUNK
// =============================================================================

// StreamChunk is one parsed server-sent event from the chat-completions
// stream.
type StreamChunk struct {
	// Content is the token delta, empty on control chunks.
	Content string

	// FinishReason is set on the closing chunk ("stop", "length", ...).
	FinishReason string

	// Done marks the [DONE] terminal event.
	Done bool
}

// =============================================================================
// STREAM READER
// =============================================================================

// StreamReader parses the SSE stream of a chat-completions response: one
// "data: {...}" line per chunk, ending with "data: [DONE]".
type StreamReader struct {
	reader *bufio.Reader
	stall  time.Duration
	// strings.Builder avoids quadratic accumulation
	accumulator strings.Builder
	chunkCount  int
}

// NewStreamReader creates a stream reader over a response body. A stall
// duration of zero disables the stall timeout.
func NewStreamReader(r io.Reader, stall time.Duration) *StreamReader {
	return &StreamReader{
		reader: bufio.NewReader(r),
		stall:  stall,
	}
}

type chunkResult struct {
	chunk *StreamChunk
	err   error
}

// Process reads the stream and calls onChunk for each parsed chunk. Blocks
// until the stream completes, the context is cancelled, the stall timeout
// fires, or onChunk returns an error.
func (s *StreamReader) Process(ctx context.Context, onChunk func(StreamChunk) error) error {
	results := make(chan chunkResult)
	done := make(chan struct{})
	defer close(done)

	// Reads block in their own goroutine so the select below can watch
	// the context and the stall timer. Closing the response body after
	// Process returns unblocks any in-flight read.
	go func() {
		for {
			chunk, err := s.readChunk()
			select {
			case results <- chunkResult{chunk: chunk, err: err}:
			case <-done:
				return
			}
			if err != nil || (chunk != nil && chunk.Done) {
				return
			}
		}
	}()

	var stallTimer *time.Timer
	var stallC <-chan time.Time
	if s.stall > 0 {
		stallTimer = time.NewTimer(s.stall)
		defer stallTimer.Stop()
		stallC = stallTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-stallC:
			return wrapError(ErrTypeTimeout, "stream stalled", nil)

		case res := <-results:
			if res.err != nil {
				if res.err == io.EOF {
					// Upstream closed without [DONE]; the content
					// received so far already reached the caller.
					return nil
				}
				return res.err
			}
			if stallTimer != nil {
				if !stallTimer.Stop() {
					<-stallTimer.C
				}
				stallTimer.Reset(s.stall)
			}
			if res.chunk == nil {
				continue
			}
			if err := onChunk(*res.chunk); err != nil {
				return err
			}
			if res.chunk.Done {
				return nil
			}
		}
	}
}

// readChunk reads lines until it has one parsed event. A nil chunk with nil
// error means a non-data line was skipped.
func (s *StreamReader) readChunk() (*StreamChunk, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && strings.TrimSpace(line) == "" {
			return nil, io.EOF
		}
		if strings.TrimSpace(line) == "" {
			return nil, wrapError(ErrTypeConnection, "reading stream", err)
		}
		// Fall through and parse the final unterminated line.
	}

	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
		return nil, nil
	}

	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil, wrapError(ErrTypeInvalidResponse, "unexpected stream line: "+line, nil)
	}
	payload = strings.TrimSpace(payload)

	if payload == "[DONE]" {
		return &StreamChunk{Done: true}, nil
	}

	var event struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, wrapError(ErrTypeInvalidResponse, "decoding stream event", err)
	}
	if event.Error != nil {
		return nil, wrapError(ErrTypeUpstream, "sidecar error: "+event.Error.Message, nil)
	}

	chunk := &StreamChunk{}
	if len(event.Choices) > 0 {
		chunk.Content = event.Choices[0].Delta.Content
		if reason := event.Choices[0].FinishReason; reason != nil {
			chunk.FinishReason = *reason
		}
	}

	if chunk.Content != "" {
		s.accumulator.WriteString(chunk.Content)
		s.chunkCount++
	}
	return chunk, nil
}

// Accumulated returns all content received so far.
func (s *StreamReader) Accumulated() string {
	return s.accumulator.String()
}

// ChunkCount returns the number of content-bearing chunks received.
func (s *StreamReader) ChunkCount() int {
	return s.chunkCount
}
