// agent is the frame-shield sidecar. It reads measured frame times as JSONL on
// stdin, runs them through the frame governor and writes evidence JSONL to
// stdout. Logs go to stderr.
//
// Policy comes from --policy (file), then from the ConfigMap named by
// POLICY_CONFIGMAP when running in a cluster, and is hot-reloaded from that
// ConfigMap. With POD_NAME and POD_NAMESPACE set, phase changes are mirrored
// onto the Pod.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/justin-oleary/frame-shield/pkg/evidence"
	"github.com/justin-oleary/frame-shield/pkg/governor"
	"github.com/justin-oleary/frame-shield/pkg/k8s"
	"github.com/justin-oleary/frame-shield/pkg/policy"
)

// shutdownTimeout bounds the final telemetry flush after stdin closes or a
// signal arrives.
const shutdownTimeout = 5 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	policyPath := flag.String("policy", "", "policy file (YAML or JSON)")
	ledgerPath := flag.String("ledger", "", "SQLite evidence ledger path; disabled when empty")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus listen address; disabled when empty")
	telemetryEvery := flag.Int("telemetry-every", 1000, "frames between telemetry records; 0 disables")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pol, err := policy.Load(*policyPath)
	if err != nil {
		slog.Error("failed to load policy", "path", *policyPath, "err", err)
		os.Exit(1)
	}

	var (
		source    *k8s.PolicySource
		publisher governor.StatusPublisher
	)
	namespace := os.Getenv("POD_NAMESPACE")
	podName := os.Getenv("POD_NAME")
	configMap := os.Getenv("POLICY_CONFIGMAP")
	if namespace != "" && (podName != "" || configMap != "") {
		clientset, err := inClusterClient()
		if err != nil {
			slog.Error("failed to create clientset", "err", err)
			os.Exit(1)
		}
		if podName != "" {
			publisher = k8s.NewPodStatusPublisher(clientset, namespace, podName)
		}
		if configMap != "" {
			source = k8s.NewPolicySource(clientset, namespace, configMap, os.Getenv("POLICY_KEY"))
			if pol, err = source.Load(ctx); err != nil {
				slog.Error("failed to load policy configmap", "configmap", namespace+"/"+configMap, "err", err)
				os.Exit(1)
			}
		}
	}

	opts := []governor.Option{governor.WithSink(evidence.NewSink(os.Stdout))}
	if publisher != nil {
		opts = append(opts, governor.WithPublisher(publisher))
	}
	if *ledgerPath != "" {
		store, err := evidence.OpenStore(*ledgerPath)
		if err != nil {
			slog.Error("failed to open evidence ledger", "path", *ledgerPath, "err", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, governor.WithStore(store))
	}

	updates := make(chan policy.Config, 1)
	if source != nil {
		go source.Watch(ctx, pol, func(c policy.Config) {
			// keep only the newest pending policy
			select {
			case <-updates:
			default:
			}
			updates <- c
		})
	}
	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr)
	}

	slog.Info("frame-shield agent starting", "budget_us", pol.BudgetUS, "ledger", *ledgerPath)
	if err := run(ctx, pol, opts, readSamples(ctx, os.Stdin), updates, *telemetryEvery); err != nil {
		slog.Error("agent stopped", "err", err)
		os.Exit(1)
	}
}

func inClusterClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(cfg)
}

// serveMetrics runs the Prometheus /metrics endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("metrics server shutdown error", "err", err)
		}
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "err", err)
	}
}

// run drives one governor per policy revision until samples closes or ctx is
// cancelled. A policy change closes the current run and starts a new one with
// a fresh run ID, so every evidence run carries exactly one policy record.
func run(
	ctx context.Context,
	pol policy.Config,
	opts []governor.Option,
	samples <-chan sampleOrErr,
	updates <-chan policy.Config,
	telemetryEvery int,
) error {
	d := governor.New(pol, opts...)
	if err := d.Start(ctx); err != nil {
		return err
	}
	var frames int
	for {
		select {
		case <-ctx.Done():
			return shutdown(d)

		case next := <-updates:
			if err := shutdown(d); err != nil {
				slog.Warn("closing run before policy switch", "run_id", d.RunID(), "err", err)
			}
			prev := d.RunID()
			d = governor.New(next, opts...)
			slog.Info("policy switched", "run_id_before", prev, "run_id_after", d.RunID())
			if err := d.Start(ctx); err != nil {
				return err
			}
			frames = 0

		case item, ok := <-samples:
			if !ok {
				return shutdown(d)
			}
			if item.readErr {
				return errors.Join(item.err, shutdown(d))
			}
			if item.err != nil {
				slog.Warn("skipping frame sample", "line", item.lineNo, "err", item.err)
				continue
			}
			if item.sample.Reset {
				d.Reset(ctx)
				continue
			}
			if _, err := d.Step(ctx, item.sample.FrameTimeUS, item.sample.key()); err != nil {
				slog.Warn("evidence write failed", "run_id", d.RunID(), "err", err)
			}
			frames++
			if telemetryEvery > 0 && frames%telemetryEvery == 0 {
				if err := d.EmitTelemetry(ctx); err != nil {
					slog.Warn("telemetry write failed", "run_id", d.RunID(), "err", err)
				}
			}
		}
	}
}

func shutdown(d *governor.Driver) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Close(ctx)
}
