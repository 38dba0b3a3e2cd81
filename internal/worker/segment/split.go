// Package segment splits job text into clip sized pieces.
package segment

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMinTokens = 2
	DefaultMaxTokens = 10
)

// cutMarks end a segment when the buffer is long enough.
const cutMarks = ".,，。"

// Splitter cuts text into segments of MinTokens..MaxTokens whitespace tokens.
// A token containing a cut mark closes the segment once it holds MinTokens;
// MaxTokens closes it unconditionally. A tail shorter than MinTokens is glued
// to the previous segment.
type Splitter struct {
	MinTokens int
	MaxTokens int
}

// NewSplitter returns a splitter with the default bounds.
func NewSplitter() *Splitter {
	return &Splitter{MinTokens: DefaultMinTokens, MaxTokens: DefaultMaxTokens}
}

// Split returns the ordered segments of text. Text is NFC normalized first so
// composed and decomposed Kazakh letters produce identical segments.
func (s *Splitter) Split(text string) []string {
	minTok, maxTok := s.MinTokens, s.MaxTokens
	if minTok < 1 {
		minTok = DefaultMinTokens
	}
	if maxTok < minTok {
		maxTok = DefaultMaxTokens
	}

	tokens := strings.Fields(norm.NFC.String(text))
	var (
		segments []string
		buf      []string
	)
	for _, tok := range tokens {
		buf = append(buf, tok)
		hitMark := strings.ContainsAny(tok, cutMarks)
		if (hitMark && len(buf) >= minTok) || len(buf) >= maxTok {
			segments = append(segments, strings.Join(buf, " "))
			buf = buf[:0]
		}
	}

	if len(buf) > 0 {
		tail := strings.Join(buf, " ")
		if len(buf) < minTok && len(segments) > 0 {
			segments[len(segments)-1] += " " + tail
		} else {
			segments = append(segments, tail)
		}
	}
	return segments
}
