package evidence

import (
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFixed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		v    float64
		prec int
		want string
	}{
		{16000, 1, "16000.0"},
		{8123.456, 1, "8123.5"},
		{0.95, 4, "0.9500"},
		{-12.3456, 2, "-12.35"},
		{math.NaN(), 1, "0"},
		{math.Inf(1), 2, "0"},
		{math.Inf(-1), 2, "0"},
	}
	for _, tc := range cases {
		if got := Fixed(tc.v, tc.prec); string(got) != tc.want {
			t.Errorf("Fixed(%v, %d)=%s, want %s", tc.v, tc.prec, got, tc.want)
		}
	}
}

func TestLineFallsBackOnMarshalError(t *testing.T) {
	t.Parallel()

	got := Line("conformal-frame-guard-v1", map[string]any{"bad": make(chan int)})
	if !strings.Contains(got, `"schema":"conformal-frame-guard-v1"`) || !strings.Contains(got, `"error"`) {
		t.Errorf("fallback line=%s", got)
	}
}

func TestSinkWritesOneLinePerRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewSink(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := s.Emit(`{"schema":"cascade-telemetry-v1"}`); err != nil {
					t.Errorf("Emit: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 400 || s.Lines() != 400 {
		t.Fatalf("lines=%d counted=%d, want 400", len(lines), s.Lines())
	}
	for _, l := range lines {
		if l != `{"schema":"cascade-telemetry-v1"}` {
			t.Fatalf("interleaved line %q", l)
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSinkReportsWriteErrors(t *testing.T) {
	t.Parallel()

	s := NewSink(failingWriter{})
	if err := s.Emit("{}"); err == nil {
		t.Fatal("expected write error")
	}
	if s.Lines() != 0 {
		t.Errorf("failed writes should not count, got %d", s.Lines())
	}
	if err := NewSink(nil).Emit("{}"); err != nil {
		t.Errorf("nil writer should discard: %v", err)
	}
}

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "evidence.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAppendAndQuery(t *testing.T) {
	t.Parallel()

	s := tempStore(t)
	ctx := context.Background()
	err := s.Append(ctx,
		Record{RunID: "run-a", Seq: 0, Schema: SchemaPolicy, Payload: `{"schema":"policy-config-v1"}`},
		Record{RunID: "run-a", Seq: 1, Schema: SchemaCascade, Payload: `{"frame_idx":1}`},
		Record{RunID: "run-a", Seq: 2, Schema: SchemaCascade, Payload: `{"frame_idx":2}`},
		Record{RunID: "run-b", Seq: 1, Schema: SchemaCascade, Payload: `{"frame_idx":1}`},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := s.Records(ctx, "run-a", "")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(all) != 3 || all[0].Schema != SchemaPolicy || all[2].Seq != 2 {
		t.Fatalf("unexpected records: %+v", all)
	}
	if all[1].CreatedAt.IsZero() {
		t.Error("created_at should default to now")
	}

	cascadeOnly, err := s.Records(ctx, "run-a", SchemaCascade)
	if err != nil || len(cascadeOnly) != 2 {
		t.Fatalf("filtered records=%d err=%v", len(cascadeOnly), err)
	}

	n, err := s.Count(ctx, "run-b", SchemaCascade)
	if err != nil || n != 1 {
		t.Errorf("Count=%d err=%v, want 1", n, err)
	}

	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0] != "run-a" || runs[1] != "run-b" {
		t.Errorf("runs=%v", runs)
	}
}

func TestStoreRejectsDuplicateSequence(t *testing.T) {
	t.Parallel()

	s := tempStore(t)
	ctx := context.Background()
	rec := Record{RunID: "run", Seq: 7, Schema: SchemaCascade, Payload: "{}"}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, rec, Record{RunID: "run", Seq: 8, Schema: SchemaCascade, Payload: "{}"}); err == nil {
		t.Fatal("duplicate (run, seq, schema) should fail")
	}
	// the failed batch rolls back as a whole
	if n, _ := s.Count(ctx, "run", SchemaCascade); n != 1 {
		t.Errorf("count=%d after rolled back batch, want 1", n)
	}
}
