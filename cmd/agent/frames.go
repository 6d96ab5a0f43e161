package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/justin-oleary/frame-shield/pkg/conformal"
)

// maxLineBytes bounds one stdin sample line.
const maxLineBytes = 64 * 1024

// frameSample is one measured frame reported by the renderer.
//
//	{"frame_time_us": 9120.5, "mode": "altscreen", "diff": "dirty", "cols": 160, "rows": 48}
//
// A line with "reset": true clears the governor session instead. Out-of-range
// frame times are passed through; the governor drops and counts them.
type frameSample struct {
	FrameTimeUS float64 `json:"frame_time_us"`
	Mode        string  `json:"mode"`
	Diff        string  `json:"diff"`
	Cols        uint16  `json:"cols"`
	Rows        uint16  `json:"rows"`
	Reset       bool    `json:"reset"`
}

// key returns the calibration bucket for the sample's rendering context.
func (s frameSample) key() conformal.BucketKey {
	return conformal.KeyFromContext(conformal.ParseMode(s.Mode), conformal.ParseDiff(s.Diff), s.Cols, s.Rows)
}

var errEmptyLine = errors.New("empty line")

func parseSample(line []byte) (frameSample, error) {
	if len(line) == 0 {
		return frameSample{}, errEmptyLine
	}
	var s frameSample
	if err := json.Unmarshal(line, &s); err != nil {
		return frameSample{}, fmt.Errorf("decode frame sample: %w", err)
	}
	return s, nil
}

type sampleOrErr struct {
	sample frameSample
	lineNo int
	err    error
	// readErr marks a failure of the input stream itself rather than of
	// one line; nothing follows it.
	readErr bool
}

// readSamples decodes r line by line onto the returned channel, closing it at
// EOF or when ctx is cancelled. Blank lines are skipped. A scanner failure is
// delivered as the final item.
func readSamples(ctx context.Context, r io.Reader) <-chan sampleOrErr {
	out := make(chan sampleOrErr, 64)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			s, err := parseSample(sc.Bytes())
			if errors.Is(err, errEmptyLine) {
				continue
			}
			select {
			case out <- sampleOrErr{sample: s, lineNo: lineNo, err: err}:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case out <- sampleOrErr{lineNo: lineNo, err: fmt.Errorf("read stdin: %w", err), readErr: true}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
