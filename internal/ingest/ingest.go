// Package ingest reads newline-delimited JSON routing logs.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bifrost-router/tuning/internal/labeling"
)

// ErrNoRecords is returned when a log source contains no parseable records.
var ErrNoRecords = errors.New("no valid log records found")

// maxLineBytes bounds a single log line. Records carry full embeddings, so
// lines run large; 16 MiB accommodates 768-dim embeddings with headroom.
const maxLineBytes = 16 << 20

// Result is a parsed log set plus read statistics.
type Result struct {
	Records []*labeling.LogRecord
	Skipped int // malformed lines dropped with a warning
}

// ReadFile parses an NDJSON log file. Malformed lines are skipped and
// counted; an empty or fully malformed file is fatal.
func ReadFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	res, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return res, nil
}

// Read parses NDJSON records from r.
func Read(r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	res := &Result{}
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec labeling.LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			logrus.Warnf("skipping malformed log line %d: %v", lineNum, err)
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log stream: %w", err)
	}

	if len(res.Records) == 0 {
		return nil, ErrNoRecords
	}

	logrus.WithFields(logrus.Fields{
		"records": len(res.Records),
		"skipped": res.Skipped,
	}).Info("log ingest complete")

	return res, nil
}
