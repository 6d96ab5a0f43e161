package k8s

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/justin-oleary/frame-shield/pkg/budget"
	"github.com/justin-oleary/frame-shield/pkg/policy"
)

func policyMap(name string, data map[string]string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		TypeMeta:   metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "render"},
		Data:       data,
	}
}

func TestPolicySourceLoad(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		objects   []*corev1.ConfigMap
		key       string
		want      func(t *testing.T, c policy.Config)
		wantErrIs error
		notFound  bool
	}{
		{
			name:    "document over defaults",
			objects: []*corev1.ConfigMap{policyMap("governor", map[string]string{"policy.yaml": "budget_us: 8333\ncascade:\n  max_degradation: essential_only\n"})},
			want: func(t *testing.T, c policy.Config) {
				if c.BudgetUS != 8333 || c.Cascade.MaxDegradation != budget.EssentialOnly || c.Conformal.Window != 256 {
					t.Errorf("policy=%+v", c)
				}
			},
		},
		{
			name:    "custom key",
			key:     "frame.json",
			objects: []*corev1.ConfigMap{policyMap("governor", map[string]string{"frame.json": `{"conformal": {"min_samples": 50}}`})},
			want: func(t *testing.T, c policy.Config) {
				if c.Conformal.MinSamples != 50 {
					t.Errorf("min_samples=%d, want 50", c.Conformal.MinSamples)
				}
			},
		},
		{
			name:      "key missing",
			objects:   []*corev1.ConfigMap{policyMap("governor", map[string]string{"other.yaml": ""})},
			wantErrIs: ErrPolicyKeyMissing,
		},
		{
			name:      "invalid policy",
			objects:   []*corev1.ConfigMap{policyMap("governor", map[string]string{"policy.yaml": "conformal:\n  coverage: 1.5\n"})},
			wantErrIs: policy.ErrInvalidPolicy,
		},
		{
			name:     "configmap missing",
			notFound: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clientset := fake.NewSimpleClientset()
			for _, cm := range tc.objects {
				if _, err := clientset.CoreV1().ConfigMaps(cm.Namespace).Create(context.Background(), cm, metav1.CreateOptions{}); err != nil {
					t.Fatal(err)
				}
			}
			src := NewPolicySource(clientset, "render", "governor", tc.key)
			cfg, err := src.Load(context.Background())

			switch {
			case tc.notFound:
				if !apierrors.IsNotFound(err) {
					t.Fatalf("want NotFound, got %v", err)
				}
			case tc.wantErrIs != nil:
				if !errors.Is(err, tc.wantErrIs) {
					t.Fatalf("want %v, got %v", tc.wantErrIs, err)
				}
			default:
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				tc.want(t, cfg)
			}
		})
	}
}

func TestPolicySourceWatch(t *testing.T) {
	t.Parallel()

	cm := policyMap("governor", map[string]string{"policy.yaml": "budget_us: 16000\n"})
	clientset := fake.NewSimpleClientset(cm)
	var logBuf bytes.Buffer
	src := NewPolicySource(clientset, "render", "governor", "").
		withLogger(slog.New(slog.NewTextHandler(&logBuf, nil)))

	initial, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan policy.Config, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Watch(ctx, initial, func(c policy.Config) { changes <- c })
	}()

	// the fake watch only sees events after it registers, so keep writing
	// until one lands; an invalid revision first must be skipped
	updated := cm.DeepCopy()
	deadline := time.After(5 * time.Second)
	var got policy.Config
loop:
	for i := 0; ; i++ {
		updated.Data["policy.yaml"] = "conformal:\n  coverage: 2\n"
		if i%2 == 1 {
			updated.Data["policy.yaml"] = "budget_us: 33333\n"
		}
		if _, err := clientset.CoreV1().ConfigMaps("render").Update(context.Background(), updated, metav1.UpdateOptions{}); err != nil {
			t.Fatalf("update configmap: %v", err)
		}
		select {
		case got = <-changes:
			break loop
		case <-deadline:
			t.Fatal("watch never delivered a policy change")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if got.BudgetUS != 33333 {
		t.Errorf("budget_us=%v, want 33333", got.BudgetUS)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
