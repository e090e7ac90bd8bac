package compile

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/v-shavyaa/metaflow/types"
)

const (
	acceleratorNodeLabel  = "k8s.amazonaws.com/accelerator"
	nodePurposeTaint      = "node.k8s.zgtools.net/purpose"
	nodeCapacityTypeLabel = "node.k8s.zgtools.net/capacity-type"
	highMemoryPurpose     = "high-memory"
	spotCapacityType      = "spot"
)

var (
	highCPUThreshold    = resource.MustParse("8")
	highMemoryThreshold = resource.MustParse("16G")
)

/**
 * DeriveScheduling projects resource and placement attributes onto
 * node affinity requirements and tolerations.
 *
 * An accelerator request pins the pod to nodes carrying that
 * accelerator label and tolerates their taint; both halves are needed
 * or the pod never schedules. Without an accelerator or GPU, requests
 * at or above the cpu/memory thresholds tolerate the high-memory pool
 * taint. Interruptible steps additionally target spot capacity, on
 * top of whatever the accelerator rule produced.
 */
func DeriveScheduling(res types.ResourceRequirements, accelerator string, interruptible bool) types.SchedulingHints {
	hints := types.SchedulingHints{}

	if accelerator != "" {
		hints.MatchExpressions = append(hints.MatchExpressions, corev1.NodeSelectorRequirement{
			Key:      acceleratorNodeLabel,
			Operator: corev1.NodeSelectorOpIn,
			Values:   []string{accelerator},
		})
		hints.Tolerations = append(hints.Tolerations, corev1.Toleration{
			Key:      acceleratorNodeLabel,
			Operator: corev1.TolerationOpEqual,
			Value:    accelerator,
			Effect:   corev1.TaintEffectNoSchedule,
		})
	} else if !res.HasGPU() && (atLeast(res.CPU, highCPUThreshold) || atLeast(res.Memory, highMemoryThreshold)) {
		hints.Tolerations = append(hints.Tolerations, corev1.Toleration{
			Key:      nodePurposeTaint,
			Operator: corev1.TolerationOpEqual,
			Value:    highMemoryPurpose,
			Effect:   corev1.TaintEffectNoSchedule,
		})
	}

	if interruptible {
		hints.MatchExpressions = append(hints.MatchExpressions, corev1.NodeSelectorRequirement{
			Key:      nodeCapacityTypeLabel,
			Operator: corev1.NodeSelectorOpIn,
			Values:   []string{spotCapacityType},
		})
		hints.Tolerations = append(hints.Tolerations, corev1.Toleration{
			Key:      nodeCapacityTypeLabel,
			Operator: corev1.TolerationOpEqual,
			Value:    spotCapacityType,
			Effect:   corev1.TaintEffectNoSchedule,
		})
	}
	return hints
}

// atLeast compares a kubernetes quantity string against a threshold.
// Empty or unparsable values never reach the threshold; the component
// builder has already rejected malformed quantities.
func atLeast(value string, threshold resource.Quantity) bool {
	if value == "" {
		return false
	}
	q, err := resource.ParseQuantity(value)
	if err != nil {
		return false
	}
	return q.Cmp(threshold) >= 0
}
