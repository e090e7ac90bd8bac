package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"

	"github.com/v-shavyaa/metaflow/types"
)

func TestSchedulingDefault(t *testing.T) {
	hints := DeriveScheduling(types.ResourceRequirements{CPU: "2", Memory: "4G"}, "", false)
	assert.Empty(t, hints.MatchExpressions)
	assert.Empty(t, hints.Tolerations)
}

func TestSchedulingAccelerator(t *testing.T) {
	hints := DeriveScheduling(types.ResourceRequirements{GPU: "1"}, "nvidia-tesla-v100", false)

	// affinity and toleration must come as a pair or the pod never lands
	assert.Len(t, hints.MatchExpressions, 1)
	expr := hints.MatchExpressions[0]
	assert.Equal(t, "k8s.amazonaws.com/accelerator", expr.Key)
	assert.Equal(t, corev1.NodeSelectorOpIn, expr.Operator)
	assert.Equal(t, []string{"nvidia-tesla-v100"}, expr.Values)

	assert.Len(t, hints.Tolerations, 1)
	toleration := hints.Tolerations[0]
	assert.Equal(t, "k8s.amazonaws.com/accelerator", toleration.Key)
	assert.Equal(t, "nvidia-tesla-v100", toleration.Value)
	assert.Equal(t, corev1.TaintEffectNoSchedule, toleration.Effect)
}

func TestSchedulingHighMemoryPool(t *testing.T) {
	cases := []struct {
		name string
		res  types.ResourceRequirements
		want bool
	}{
		{"below both thresholds", types.ResourceRequirements{CPU: "4", Memory: "8G"}, false},
		{"cpu at threshold", types.ResourceRequirements{CPU: "8"}, true},
		{"memory at threshold", types.ResourceRequirements{Memory: "16G"}, true},
		{"memory above threshold", types.ResourceRequirements{Memory: "64G"}, true},
		{"gpu suppresses the pool", types.ResourceRequirements{CPU: "16", GPU: "1"}, false},
		{"no resources", types.ResourceRequirements{}, false},
	}
	for _, tc := range cases {
		hints := DeriveScheduling(tc.res, "", false)
		if tc.want {
			assert.Len(t, hints.Tolerations, 1, tc.name)
			assert.Equal(t, "node.k8s.zgtools.net/purpose", hints.Tolerations[0].Key, tc.name)
			assert.Equal(t, "high-memory", hints.Tolerations[0].Value, tc.name)
		} else {
			assert.Empty(t, hints.Tolerations, tc.name)
		}
		assert.Empty(t, hints.MatchExpressions, tc.name)
	}
}

func TestSchedulingAcceleratorSuppressesPool(t *testing.T) {
	hints := DeriveScheduling(types.ResourceRequirements{CPU: "32", Memory: "128G"}, "nvidia-tesla-a100", false)

	assert.Len(t, hints.Tolerations, 1)
	assert.Equal(t, "k8s.amazonaws.com/accelerator", hints.Tolerations[0].Key)
}

func TestSchedulingInterruptible(t *testing.T) {
	hints := DeriveScheduling(types.ResourceRequirements{}, "", true)

	assert.Len(t, hints.MatchExpressions, 1)
	assert.Equal(t, "node.k8s.zgtools.net/capacity-type", hints.MatchExpressions[0].Key)
	assert.Equal(t, []string{"spot"}, hints.MatchExpressions[0].Values)
	assert.Len(t, hints.Tolerations, 1)
	assert.Equal(t, "spot", hints.Tolerations[0].Value)
}

func TestSchedulingInterruptibleStacksOnAccelerator(t *testing.T) {
	hints := DeriveScheduling(types.ResourceRequirements{}, "nvidia-tesla-v100", true)

	assert.Len(t, hints.MatchExpressions, 2)
	assert.Len(t, hints.Tolerations, 2)
	assert.Equal(t, "k8s.amazonaws.com/accelerator", hints.MatchExpressions[0].Key)
	assert.Equal(t, "node.k8s.zgtools.net/capacity-type", hints.MatchExpressions[1].Key)
}
