// replay validates recorded governor evidence and summarizes what the cascade
// decided. It reads a JSONL stream captured from the agent's stdout, or runs
// stored in the SQLite ledger.
//
// Usage:
//
//	replay --file=<evidence.jsonl>
//	replay --db=<ledger.db> [--run=<run-id>]
//
// The report is written to stdout as indented JSON. The exit status is 1 when
// any record fails schema validation.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/justin-oleary/frame-shield/pkg/budget"
	"github.com/justin-oleary/frame-shield/pkg/evidence"
)

// maxErrors caps the validation messages kept per run.
const maxErrors = 20

type runReport struct {
	RunID        string         `json:"run_id,omitempty"`
	Records      int            `json:"records"`
	Invalid      int            `json:"invalid"`
	BySchema     map[string]int `json:"by_schema"`
	Decisions    map[string]int `json:"decisions"`
	LevelFrames  map[string]int `json:"level_frames"`
	WorstLevel   string         `json:"worst_level"`
	ExceedFrames int            `json:"exceed_frames"`
	Errors       []string       `json:"errors,omitempty"`

	worst budget.Level
}

type report struct {
	GeneratedAtUTC string      `json:"generated_at_utc"`
	Source         string      `json:"source"`
	Runs           []runReport `json:"runs"`
	Invalid        int         `json:"invalid"`
}

func newRunReport(runID string) *runReport {
	return &runReport{
		RunID:       runID,
		BySchema:    map[string]int{},
		Decisions:   map[string]int{},
		LevelFrames: map[string]int{},
		WorstLevel:  budget.Full.String(),
	}
}

// cascadeFields is the part of a degradation-cascade-v1 record the summary
// reads.
type cascadeFields struct {
	Decision   string `json:"decision"`
	LevelAfter string `json:"level_after"`
	P99Exceeds bool   `json:"p99_exceeds"`
}

// add validates one record and folds it into the run summary. lineNo is only
// used to label errors.
func (r *runReport) add(lineNo int, line []byte) {
	r.Records++
	schema, err := evidence.Validate(line)
	if err != nil {
		r.Invalid++
		if len(r.Errors) < maxErrors {
			r.Errors = append(r.Errors, fmt.Sprintf("record %d: %v", lineNo, err))
		}
		return
	}
	r.BySchema[schema]++
	if schema != evidence.SchemaCascade {
		return
	}
	var f cascadeFields
	if err := json.Unmarshal(line, &f); err != nil {
		return
	}
	r.Decisions[f.Decision]++
	r.LevelFrames[f.LevelAfter]++
	if f.P99Exceeds {
		r.ExceedFrames++
	}
	if l, err := budget.ParseLevel(f.LevelAfter); err == nil && l > r.worst {
		r.worst = l
		r.WorstLevel = l.String()
	}
}

func main() {
	file := flag.String("file", "", "evidence JSONL file ('-' for stdin)")
	db := flag.String("db", "", "SQLite evidence ledger")
	runID := flag.String("run", "", "ledger run ID; all runs when empty")
	flag.Parse()

	if (*file == "") == (*db == "") {
		fmt.Fprintln(os.Stderr, "exactly one of --file or --db is required")
		flag.Usage()
		os.Exit(2)
	}

	var (
		rep report
		err error
	)
	if *file != "" {
		rep, err = replayFile(*file)
	} else {
		rep, err = replayLedger(context.Background(), *db, *runID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		fmt.Fprintf(os.Stderr, "json encode: %v\n", err)
		os.Exit(1)
	}
	if rep.Invalid > 0 {
		os.Exit(1)
	}
}

func replayFile(path string) (report, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return report{}, err
		}
		defer f.Close()
		r = f
	}
	run, err := summarizeStream(r)
	if err != nil {
		return report{}, fmt.Errorf("read %s: %w", path, err)
	}
	return finish(path, []*runReport{run}), nil
}

// summarizeStream folds every non-blank line of r into one run summary.
func summarizeStream(r io.Reader) (*runReport, error) {
	run := newRunReport("")
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		run.add(lineNo, sc.Bytes())
	}
	return run, sc.Err()
}

func replayLedger(ctx context.Context, path, runID string) (report, error) {
	store, err := evidence.OpenStore(path)
	if err != nil {
		return report{}, err
	}
	defer store.Close()

	runIDs := []string{runID}
	if runID == "" {
		if runIDs, err = store.Runs(ctx); err != nil {
			return report{}, err
		}
	}
	runs := make([]*runReport, 0, len(runIDs))
	for _, id := range runIDs {
		records, err := store.Records(ctx, id, "")
		if err != nil {
			return report{}, fmt.Errorf("run %s: %w", id, err)
		}
		run := newRunReport(id)
		for _, rec := range records {
			run.add(int(rec.Seq), []byte(rec.Payload))
		}
		runs = append(runs, run)
	}
	return finish(path, runs), nil
}

func finish(source string, runs []*runReport) report {
	rep := report{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339),
		Source:         source,
		Runs:           make([]runReport, 0, len(runs)),
	}
	for _, run := range runs {
		rep.Invalid += run.Invalid
		rep.Runs = append(rep.Runs, *run)
	}
	return rep
}
