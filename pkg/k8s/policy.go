package k8s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/justin-oleary/frame-shield/pkg/metrics"
	"github.com/justin-oleary/frame-shield/pkg/policy"
)

// DefaultPolicyKey is the ConfigMap data key holding the policy document.
const DefaultPolicyKey = "policy.yaml"

// ErrPolicyKeyMissing is returned when the ConfigMap exists but carries no
// policy document under the expected key.
var ErrPolicyKeyMissing = errors.New("policy key missing from ConfigMap")

// PolicySource reads the governor policy from a ConfigMap.
type PolicySource struct {
	client    kubernetes.Interface
	namespace string
	name      string
	key       string
	logger    *slog.Logger
}

// NewPolicySource returns a source for namespace/name. An empty key selects
// DefaultPolicyKey.
func NewPolicySource(client kubernetes.Interface, namespace, name, key string) *PolicySource {
	if key == "" {
		key = DefaultPolicyKey
	}
	return &PolicySource{client: client, namespace: namespace, name: name, key: key, logger: slog.Default()}
}

// withLogger swaps the source's logger. Used in tests to capture structured
// log output without touching the global default logger.
func (s *PolicySource) withLogger(l *slog.Logger) *PolicySource {
	s.logger = l
	return s
}

// Load fetches the ConfigMap and resolves the policy the same way a policy
// file is resolved: document over defaults, env overrides, validation.
func (s *PolicySource) Load(ctx context.Context) (policy.Config, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		return policy.Default(), fmt.Errorf("get configmap %s/%s: %w", s.namespace, s.name, err)
	}
	return s.decode(cm)
}

func (s *PolicySource) decode(cm *corev1.ConfigMap) (policy.Config, error) {
	doc, ok := cm.Data[s.key]
	if !ok {
		return policy.Default(), fmt.Errorf("configmap %s/%s key %q: %w", cm.Namespace, cm.Name, s.key, ErrPolicyKeyMissing)
	}
	cfg, err := policy.Parse([]byte(doc))
	if err != nil {
		return cfg, fmt.Errorf("configmap %s/%s: %w", cm.Namespace, cm.Name, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("configmap %s/%s: %w", cm.Namespace, cm.Name, err)
	}
	return cfg, nil
}

// Watch calls onChange with every valid policy that differs from last,
// reconnecting with exponential backoff whenever the API server closes the
// watch channel. Invalid documents are logged and skipped. Watch returns when
// ctx is cancelled.
func (s *PolicySource) Watch(ctx context.Context, last policy.Config, onChange func(policy.Config)) {
	const maxBackoff = 30 * time.Second
	backoff := time.Second

	for {
		if err := s.watchOnce(ctx, &last, onChange); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("policy watch ended, reconnecting",
				"configmap", s.namespace+"/"+s.name, "err", err, "backoff", backoff)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// watchOnce processes one watch stream. A closed channel is returned as nil
// so Watch reconnects without logging a spurious error.
func (s *PolicySource) watchOnce(ctx context.Context, last *policy.Config, onChange func(policy.Config)) error {
	w, err := s.client.CoreV1().ConfigMaps(s.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + s.name,
	})
	if err != nil {
		return fmt.Errorf("watch configmap %s/%s: %w", s.namespace, s.name, err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			if ev.Type != watch.Modified && ev.Type != watch.Added {
				continue
			}
			cm, ok := ev.Object.(*corev1.ConfigMap)
			if !ok || cm.Name != s.name {
				continue
			}
			cfg, err := s.decode(cm)
			if err != nil {
				s.logger.Warn("policy update rejected", "configmap", s.namespace+"/"+s.name, "err", err)
				metrics.PolicyReloads.WithLabelValues("rejected").Inc()
				continue
			}
			if cfg == *last {
				continue
			}
			*last = cfg
			s.logger.Info("policy updated", "configmap", s.namespace+"/"+s.name, "budget_us", cfg.BudgetUS)
			metrics.PolicyReloads.WithLabelValues("applied").Inc()
			onChange(cfg)
		}
	}
}
