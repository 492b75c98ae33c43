// Package stt turns finished utterances into text.
package stt

import (
	"context"
	"strings"
)

// Request is one utterance to transcribe: mono 16-bit little-endian PCM.
type Request struct {
	Audio      []byte
	SampleRate int
	Language   string
}

// Transcript is the result of a transcription. Text is trimmed and may be empty.
type Transcript struct {
	Text     string
	Language string
}

// Transcriber converts a whole utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (*Transcript, error)
}

// TranscriberFunc adapts a function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context, req Request) (*Transcript, error)

// Transcribe calls f.
func (f TranscriberFunc) Transcribe(ctx context.Context, req Request) (*Transcript, error) {
	return f(ctx, req)
}

// JoinFragments joins final fragments with single spaces and trims the result.
func JoinFragments(fragments []string) string {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}
