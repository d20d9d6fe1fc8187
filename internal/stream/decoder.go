// Package stream turns a chat-completions event stream into text deltas and
// paces those deltas to a frame cadence before they reach conversation state.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	// MaxLineSize bounds a single event line. A longer line is a fatal decode fault.
	MaxLineSize = 1024 * 1024

	initialBufferSize = 64 * 1024
)

var (
	eventPrefix = []byte("data:")
	sentinel    = []byte("[DONE]")
)

// ErrLineTooLong is returned when one event line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("stream: event line too long")

// ProviderError is an error object reported by the server inside the stream.
type ProviderError struct {
	Message string
	Type    string
	Code    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Type, e.Message)
	}
	return "provider error: " + e.Message
}

// event is the subset of a completions chunk the decoder reads.
type event struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

// Decoder reads "data:" records from a completions response body and
// yields their delta text in order. A Decoder is good for exactly one stream.
//
// Lines are split on '\n' bytes. That byte never appears inside a multi-byte
// UTF-8 sequence, so a codepoint split across two reads stays in the
// scanner's carry-over buffer until its line is complete.
type Decoder struct {
	src     io.ReadCloser
	scanner *bufio.Scanner
	text    strings.Builder
	count   int
	skipped int
	done    bool
	err     error
}

// NewDecoder wraps src. The decoder owns src and closes it on Close.
func NewDecoder(src io.ReadCloser) *Decoder {
	return newDecoderSize(src, initialBufferSize, MaxLineSize)
}

func newDecoderSize(src io.ReadCloser, initial, max int) *Decoder {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, initial), max)
	return &Decoder{src: src, scanner: scanner}
}

// Next returns the next non-empty delta. It returns io.EOF once the sentinel
// has been seen or the source is exhausted, and any other error when the
// stream failed. After the first error every call returns the same error.
func (d *Decoder) Next() (string, error) {
	if d.err != nil {
		return "", d.err
	}
	if d.done {
		return "", io.EOF
	}

	for d.scanner.Scan() {
		delta, end, err := d.decodeLine(d.scanner.Bytes())
		if err != nil {
			d.err = err
			return "", err
		}
		if end {
			d.done = true
			return "", io.EOF
		}
		if delta == "" {
			continue
		}
		d.text.WriteString(delta)
		d.count++
		return delta, nil
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			d.err = ErrLineTooLong
		} else {
			d.err = fmt.Errorf("stream read failed: %w", err)
		}
		return "", d.err
	}
	return "", io.EOF
}

// decodeLine handles one complete line. end reports the sentinel.
func (d *Decoder) decodeLine(line []byte) (delta string, end bool, err error) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, eventPrefix) {
		return "", false, nil
	}
	payload := bytes.TrimPrefix(line[len(eventPrefix):], []byte(" "))
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return "", false, nil
	}
	if bytes.Equal(payload, sentinel) {
		return "", true, nil
	}

	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.skipped++
		slog.Debug("Skipping malformed stream record", "error", err, "payload_size", len(payload))
		return "", false, nil
	}
	if ev.Error != nil {
		return "", false, &ProviderError{
			Message: ev.Error.Message,
			Type:    ev.Error.Type,
			Code:    strings.Trim(string(ev.Error.Code), `"`),
		}
	}
	if len(ev.Choices) == 0 {
		return "", false, nil
	}
	return ev.Choices[0].Delta.Content, false, nil
}

// Text returns every delta returned so far, concatenated.
func (d *Decoder) Text() string { return d.text.String() }

// Count returns the number of deltas returned so far.
func (d *Decoder) Count() int { return d.count }

// Skipped returns the number of malformed records that were dropped.
func (d *Decoder) Skipped() int { return d.skipped }

// Close releases the source. A blocked Next returns once the read is aborted.
func (d *Decoder) Close() error {
	return d.src.Close()
}
