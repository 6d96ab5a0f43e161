package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/justin-oleary/frame-shield/pkg/governor"
	"github.com/justin-oleary/frame-shield/pkg/metrics"
)

const (
	annotationPrefix   = "frame-shield.io/"
	annotationPhase    = annotationPrefix + "phase"
	annotationLevel    = annotationPrefix + "level"
	annotationRunID    = annotationPrefix + "run-id"
	annotationFrameIdx = annotationPrefix + "frame-idx"

	saturatedCondition = corev1.PodConditionType("FrameBudgetSaturated")
)

// PodStatusPublisher mirrors governor phase changes onto the Pod running the
// governor: annotations for the current phase and level, and a
// FrameBudgetSaturated condition in the status subresource.
type PodStatusPublisher struct {
	client    kubernetes.Interface
	namespace string
	pod       string
	logger    *slog.Logger
}

// NewPodStatusPublisher returns a publisher for namespace/pod, normally
// taken from the downward API.
func NewPodStatusPublisher(client kubernetes.Interface, namespace, pod string) *PodStatusPublisher {
	return &PodStatusPublisher{client: client, namespace: namespace, pod: pod, logger: slog.Default()}
}

// withLogger swaps the publisher's logger. Used in tests to capture structured
// log output without touching the global default logger.
func (p *PodStatusPublisher) withLogger(l *slog.Logger) *PodStatusPublisher {
	p.logger = l
	return p
}

// PublishStatus implements governor.StatusPublisher.
func (p *PodStatusPublisher) PublishStatus(ctx context.Context, s governor.Status) error {
	err := p.publish(ctx, s)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StatusPublishes.WithLabelValues(string(s.Phase), result).Inc()
	return err
}

func (p *PodStatusPublisher) publish(ctx context.Context, s governor.Status) error {
	pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, p.pod, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get pod %s/%s: %w", p.namespace, p.pod, err)
	}

	type metaPatch struct {
		Metadata struct {
			Annotations map[string]string `json:"annotations"`
		} `json:"metadata"`
	}
	mp := metaPatch{}
	mp.Metadata.Annotations = map[string]string{
		annotationPhase:    string(s.Phase),
		annotationLevel:    s.Level.String(),
		annotationRunID:    s.RunID,
		annotationFrameIdx: strconv.FormatUint(s.FrameIdx, 10),
	}
	metaBytes, err := json.Marshal(mp)
	if err != nil {
		return fmt.Errorf("marshal annotation patch: %w", err)
	}
	if _, err := p.client.CoreV1().Pods(p.namespace).Patch(
		ctx, p.pod, types.MergePatchType, metaBytes, metav1.PatchOptions{},
	); err != nil {
		return fmt.Errorf("patch pod annotations: %w", err)
	}

	cond := corev1.PodCondition{
		Type:               saturatedCondition,
		Status:             corev1.ConditionFalse,
		Reason:             "WithinBudget",
		Message:            fmt.Sprintf("degradation level %s, guard %s", s.Level, s.GuardState),
		LastTransitionTime: metav1.Now(),
	}
	if s.Phase == governor.PhaseSaturated {
		cond.Status = corev1.ConditionTrue
		cond.Reason = "DegradationSaturated"
	}
	// skip the status write if the condition already reads the same
	for _, c := range pod.Status.Conditions {
		if c.Type == saturatedCondition && c.Status == cond.Status {
			return nil
		}
	}

	type statusPatch struct {
		Status struct {
			Conditions []corev1.PodCondition `json:"conditions"`
		} `json:"status"`
	}
	st := statusPatch{}
	st.Status.Conditions = upsertCondition(pod.Status.Conditions, cond)
	statusBytes, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status patch: %w", err)
	}
	if _, err := p.client.CoreV1().Pods(p.namespace).Patch(
		ctx, p.pod, types.MergePatchType, statusBytes,
		metav1.PatchOptions{}, "status",
	); err != nil {
		return fmt.Errorf("patch pod status: %w", err)
	}

	p.logger.Info("pod frame budget condition updated",
		"pod", p.namespace+"/"+p.pod,
		"phase", string(s.Phase),
		"condition_status", string(cond.Status),
		"run_id", s.RunID,
	)
	return nil
}

func upsertCondition(conditions []corev1.PodCondition, c corev1.PodCondition) []corev1.PodCondition {
	for i, existing := range conditions {
		if existing.Type == c.Type {
			conditions[i] = c
			return conditions
		}
	}
	return append(conditions, c)
}
