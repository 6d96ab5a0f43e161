// benchmark is a standalone CLI for exercising the frame governor against
// synthetic frame-time traces, without a terminal or a renderer.
//
// Usage:
//
//	benchmark [--scenario=<name>] [--frames=<n>] [--seed=<n>] [--policy=<file>]
//
// Scenarios:
//
//	stable      Steady 8ms frames with light noise.
//	jitter      8ms mean with heavy Gaussian jitter.
//	spike       Steady frames with periodic 28ms bursts.
//	recovery    A 30ms overload that clears after 300 frames.
//	overload    Sustained 25ms frames; the cascade should saturate.
//	sawtooth    Frame time ramps from 6ms to 24ms and drops back.
//	all         Every scenario above, one report each.
//
// The simulated renderer gets cheaper as the cascade degrades, so the report
// shows the closed loop: decisions, levels, and how often the measured frame
// landed under the predicted p99 bound.
package main

import (
	"cmp"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/justin-oleary/frame-shield/pkg/budget"
	"github.com/justin-oleary/frame-shield/pkg/cascade"
	"github.com/justin-oleary/frame-shield/pkg/conformal"
	"github.com/justin-oleary/frame-shield/pkg/policy"
)

// scenario returns the undegraded cost of frame i in microseconds.
type scenario func(rng *rand.Rand, i int) float64

var scenarios = map[string]scenario{
	"stable": func(rng *rand.Rand, _ int) float64 {
		return 8_000 + rng.NormFloat64()*200
	},
	"jitter": func(rng *rand.Rand, _ int) float64 {
		return 8_000 + rng.NormFloat64()*2_500
	},
	"spike": func(rng *rand.Rand, i int) float64 {
		if i%200 >= 160 {
			return 28_000 + rng.NormFloat64()*1_000
		}
		return 8_000 + rng.NormFloat64()*300
	},
	"recovery": func(rng *rand.Rand, i int) float64 {
		if i < 300 {
			return 30_000 + rng.NormFloat64()*1_500
		}
		return 8_000 + rng.NormFloat64()*300
	},
	"overload": func(rng *rand.Rand, _ int) float64 {
		return 25_000 + rng.NormFloat64()*2_000
	},
	"sawtooth": func(rng *rand.Rand, i int) float64 {
		phase := float64(i%250) / 250
		return 6_000 + phase*18_000 + rng.NormFloat64()*200
	},
}

// levelCost scales the undegraded frame cost at each ladder level.
var levelCost = [...]float64{
	budget.Full:          1.00,
	budget.SimpleBorders: 0.90,
	budget.NoStyling:     0.75,
	budget.EssentialOnly: 0.55,
	budget.Skeleton:      0.35,
	budget.SkipFrame:     0.02,
}

type levelCount struct {
	Level  string `json:"level"`
	Frames int    `json:"frames"`
}

type reportSummary struct {
	Frames            int          `json:"frames"`
	Degrades          uint64       `json:"degrades"`
	Recoveries        uint64       `json:"recoveries"`
	FinalLevel        string       `json:"final_level"`
	WorstLevel        string       `json:"worst_level"`
	Levels            []levelCount `json:"levels"`
	OverBudgetFrames  int          `json:"over_budget_frames"`
	MeanFrameUS       float64      `json:"mean_frame_us"`
	StdDevFrameUS     float64      `json:"stddev_frame_us"`
	CalibratedFrames  int          `json:"calibrated_frames"`
	EmpiricalCoverage float64      `json:"empirical_coverage"`
	TargetCoverage    float64      `json:"target_coverage"`
	OverheadP50NS     float64      `json:"overhead_p50_ns"`
	OverheadP99NS     float64      `json:"overhead_p99_ns"`
	Verdict           string       `json:"verdict"` // "CALIBRATED" | "UNDER_COVERED" | "UNCALIBRATED"
}

type report struct {
	Timestamp string        `json:"timestamp"`
	Hostname  string        `json:"hostname"`
	Scenario  string        `json:"scenario"`
	Seed      uint64        `json:"seed"`
	BudgetUS  float64       `json:"budget_us"`
	Summary   reportSummary `json:"summary"`
}

// coverageSlack is how far empirical coverage may fall below target before the
// run is flagged. Finite windows and the adaptive EMA make exact coverage
// unattainable on short traces.
const coverageSlack = 0.05

func main() {
	scenarioName := flag.String("scenario", "all",
		"frame scenario: stable, jitter, spike, recovery, overload, sawtooth, all")
	frames := flag.Int("frames", 2000, "frames to simulate per scenario")
	seed := flag.Uint64("seed", 1, "PRNG seed")
	policyPath := flag.String("policy", "", "policy file (YAML or JSON); defaults when empty")
	flag.Parse()

	if *frames < 1 {
		fmt.Fprintf(os.Stderr, "--frames must be >= 1\n")
		os.Exit(1)
	}
	names := []string{*scenarioName}
	if *scenarioName == "all" {
		names = names[:0]
		for name := range scenarios {
			names = append(names, name)
		}
		sort.Strings(names)
	} else if _, ok := scenarios[*scenarioName]; !ok {
		fmt.Fprintf(os.Stderr, "unknown scenario %q\nvalid: stable, jitter, spike, recovery, overload, sawtooth, all\n", *scenarioName)
		os.Exit(1)
	}

	pol, err := policy.Load(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policy: %v\n", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, name := range names {
		r := report{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Hostname:  hostname,
			Scenario:  name,
			Seed:      *seed,
			BudgetUS:  pol.BudgetUS,
			Summary:   execute(pol, scenarios[name], *frames, *seed),
		}
		if err := enc.Encode(r); err != nil {
			fmt.Fprintf(os.Stderr, "json encode: %v\n", err)
			os.Exit(1)
		}
	}
}

// execute drives a fresh cascade through n frames of fn and summarizes it.
func execute(pol policy.Config, fn scenario, n int, seed uint64) reportSummary {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	c := cascade.New(pol.ToCascadeConfig())
	key := conformal.KeyFromContext(conformal.ModeAltScreen, conformal.DiffDirtyRows, 160, 48)

	var (
		frameTimes = make([]float64, 0, n)
		covered    = make([]float64, 0, n)
		overhead   = make([]float64, 0, n)
		perLevel   [len(levelCost)]int
		worst      budget.Level
		overBudget int
	)
	for i := 0; i < n; i++ {
		start := time.Now()
		res := c.PreRender(pol.BudgetUS, key)
		overhead = append(overhead, float64(time.Since(start).Nanoseconds()))

		measured := max(fn(rng, i), 0) * levelCost[min(int(res.Level), len(levelCost)-1)]
		if res.Prediction.HasConformal {
			hit := 0.0
			if measured <= res.Prediction.UpperUS {
				hit = 1
			}
			covered = append(covered, hit)
		}
		if measured > pol.BudgetUS {
			overBudget++
		}
		perLevel[res.Level]++
		worst = max(worst, res.Level)
		frameTimes = append(frameTimes, measured)

		c.PostRender(measured, key)
	}

	s := reportSummary{
		Frames:           n,
		Degrades:         c.TotalDegrades(),
		Recoveries:       c.TotalRecoveries(),
		FinalLevel:       c.Level().String(),
		WorstLevel:       worst.String(),
		OverBudgetFrames: overBudget,
		CalibratedFrames: len(covered),
		TargetCoverage:   pol.Conformal.Coverage,
	}
	for l, count := range perLevel {
		if count > 0 {
			s.Levels = append(s.Levels, levelCount{Level: budget.Level(l).String(), Frames: count})
		}
	}
	s.MeanFrameUS, s.StdDevFrameUS = stat.MeanStdDev(frameTimes, nil)
	if math.IsNaN(s.StdDevFrameUS) {
		s.StdDevFrameUS = 0
	}

	slices.SortFunc(overhead, cmp.Compare[float64])
	s.OverheadP50NS = stat.Quantile(0.50, stat.Empirical, overhead, nil)
	s.OverheadP99NS = stat.Quantile(0.99, stat.Empirical, overhead, nil)

	switch {
	case len(covered) == 0:
		s.Verdict = "UNCALIBRATED"
	default:
		s.EmpiricalCoverage = stat.Mean(covered, nil)
		if s.EmpiricalCoverage+coverageSlack >= s.TargetCoverage {
			s.Verdict = "CALIBRATED"
		} else {
			s.Verdict = "UNDER_COVERED"
		}
	}
	return s
}
