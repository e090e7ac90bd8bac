package compile

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/v-shavyaa/metaflow/graph"
	"github.com/v-shavyaa/metaflow/types"
)

func componentTestGraph(t *testing.T, decorators ...types.Decorator) *types.Graph {
	b := graph.NewBuilder("ComponentFlow")
	assert.NoError(t, b.Step("start", decorators...))
	g, err := b.Build()
	assert.NoError(t, err)
	return g
}

func buildComponent(t *testing.T, decorators ...types.Decorator) *types.Component {
	g := componentTestGraph(t, decorators...)
	components, err := NewComponentBuilder(g, "base:latest").BuildAll()
	assert.NoError(t, err)
	return components["start"]
}

func TestComponentDefaults(t *testing.T) {
	comp := buildComponent(t)

	assert.Equal(t, "start", comp.StepName)
	assert.Equal(t, "1", comp.TaskID)
	assert.Equal(t, "base:latest", comp.Image)
	assert.Equal(t, types.RetrySpec{}, comp.Retry)
	assert.False(t, comp.IsSplitIndexed)
	assert.False(t, comp.Resources.HasVolume())
	assert.False(t, comp.Resources.HasGPU())
}

func TestComponentTaskIDsFollowRegistrationOrder(t *testing.T) {
	b := graph.NewBuilder("OrderFlow")
	assert.NoError(t, b.Step("start"))
	assert.NoError(t, b.Step("second"))
	assert.NoError(t, b.Step("third"))
	assert.NoError(t, b.Edge("start", "second"))
	assert.NoError(t, b.Edge("second", "third"))
	g, err := b.Build()
	assert.NoError(t, err)

	components, err := NewComponentBuilder(g, "img").BuildAll()
	assert.NoError(t, err)
	assert.Equal(t, "1", components["start"].TaskID)
	assert.Equal(t, "2", components["second"].TaskID)
	assert.Equal(t, "3", components["third"].TaskID)
}

func TestComponentResources(t *testing.T) {
	comp := buildComponent(t, types.Decorator{
		Kind: types.DecoratorResources,
		Attributes: types.Data{
			"cpu":           "4",
			"memory":        "8G",
			"gpu":           "2",
			"volume":        "100G",
			"shared_memory": "1G",
			"image":         "custom/train:v3",
		},
	})

	assert.Equal(t, "4", comp.Resources.CPU)
	assert.Equal(t, "8G", comp.Resources.Memory)
	assert.Equal(t, "2", comp.Resources.GPU)
	assert.Equal(t, "nvidia", comp.Resources.GPUVendor)
	assert.Equal(t, "100G", comp.Resources.Volume)
	assert.Equal(t, "1G", comp.Resources.SharedMemory)
	assert.Equal(t, "custom/train:v3", comp.Image)
	assert.True(t, comp.Resources.HasGPU())
	assert.True(t, comp.Resources.HasVolume())
}

func TestComponentBareQuantityMeansMegabytes(t *testing.T) {
	comp := buildComponent(t, types.Decorator{
		Kind:       types.DecoratorResources,
		Attributes: types.Data{"memory": "4096", "shared_memory": "512"},
	})

	assert.Equal(t, "4096M", comp.Resources.Memory)
	assert.Equal(t, "512M", comp.Resources.SharedMemory)
}

func TestComponentRejectsMalformedQuantity(t *testing.T) {
	g := componentTestGraph(t, types.Decorator{
		Kind:       types.DecoratorResources,
		Attributes: types.Data{"memory": "lots"},
	})
	_, err := NewComponentBuilder(g, "img").BuildAll()
	assert.True(t, errors.IsBadRequest(err))

	g = componentTestGraph(t, types.Decorator{
		Kind:       types.DecoratorResources,
		Attributes: types.Data{"cpu": "four"},
	})
	_, err = NewComponentBuilder(g, "img").BuildAll()
	assert.True(t, errors.IsBadRequest(err))
}

func TestComponentRejectsLocalStorage(t *testing.T) {
	g := componentTestGraph(t, types.Decorator{
		Kind:       types.DecoratorResources,
		Attributes: types.Data{"local_storage": "50G"},
	})
	_, err := NewComponentBuilder(g, "img").BuildAll()
	assert.True(t, errors.IsBadRequest(err))
	assert.Contains(t, err.Error(), "local_storage")
}

func TestComponentResourcesLastValueWins(t *testing.T) {
	comp := buildComponent(t,
		types.Decorator{
			Kind:       types.DecoratorResources,
			Attributes: types.Data{"cpu": "2", "memory": "4G"},
		},
		types.Decorator{
			Kind:       types.DecoratorResources,
			Attributes: types.Data{"cpu": "8"},
		},
	)

	assert.Equal(t, "8", comp.Resources.CPU)
	assert.Equal(t, "4G", comp.Resources.Memory)
}

func TestComponentRetryMerge(t *testing.T) {
	comp := buildComponent(t,
		types.Decorator{
			Kind:       types.DecoratorRetry,
			Attributes: types.Data{"times": 5, "backoff_duration": "10m"},
		},
		types.Decorator{
			Kind:       types.DecoratorRetry,
			Attributes: types.Data{"times": 2, "total_times": 3, "backoff_factor": 4},
		},
	)

	// counts take the per-field maximum, backoff follows the last decorator
	assert.Equal(t, 5, comp.Retry.UserCodeRetries)
	assert.Equal(t, 5, comp.Retry.TotalRetries)
	assert.Equal(t, "2m", comp.Retry.BackoffDuration)
	assert.Equal(t, 4, comp.Retry.BackoffFactor)
}

func TestComponentRetryDefaults(t *testing.T) {
	comp := buildComponent(t, types.Decorator{
		Kind:       types.DecoratorRetry,
		Attributes: types.Data{"times": 3},
	})

	assert.Equal(t, 3, comp.Retry.UserCodeRetries)
	assert.Equal(t, 3, comp.Retry.TotalRetries)
	assert.Equal(t, "2m", comp.Retry.BackoffDuration)
	assert.Equal(t, 2, comp.Retry.BackoffFactor)
}

func TestComponentEnvironment(t *testing.T) {
	comp := buildComponent(t, types.Decorator{
		Kind:       types.DecoratorEnvironment,
		Attributes: types.Data{"vars": map[string]any{"MODE": "fast", "REGION": "us-west-2"}},
	})

	assert.Equal(t, map[string]string{"MODE": "fast", "REGION": "us-west-2"}, comp.EnvVars)
}

func TestComponentHookNeedsImage(t *testing.T) {
	g := componentTestGraph(t, types.Decorator{
		Kind:       types.DecoratorHook,
		Attributes: types.Data{"command": []string{"notify"}},
	})
	_, err := NewComponentBuilder(g, "img").BuildAll()
	assert.True(t, errors.IsBadRequest(err))
}

func TestComponentRejectsUnsupportedDecorators(t *testing.T) {
	for _, kind := range []types.DecoratorKind{types.DecoratorBatch, types.DecoratorSchedule} {
		g := componentTestGraph(t, types.Decorator{Kind: kind})
		_, err := NewComponentBuilder(g, "img").BuildAll()
		assert.True(t, types.IsUnsupportedDecorator(err), "kind %s", kind)
	}
}

func TestComponentSplitIndexed(t *testing.T) {
	b := graph.NewBuilder("FanFlow")
	assert.NoError(t, b.Step("start"))
	assert.NoError(t, b.Foreach("fanout"))
	assert.NoError(t, b.Step("process"))
	assert.NoError(t, b.Join("aggregate"))
	assert.NoError(t, b.Edge("start", "fanout"))
	assert.NoError(t, b.Edge("fanout", "process"))
	assert.NoError(t, b.Edge("process", "aggregate"))
	g, err := b.Build()
	assert.NoError(t, err)

	components, err := NewComponentBuilder(g, "img").BuildAll()
	assert.NoError(t, err)

	assert.False(t, components["start"].IsSplitIndexed)
	assert.False(t, components["fanout"].IsSplitIndexed)
	assert.True(t, components["process"].IsSplitIndexed)
	// the join runs after the region closes, outside any split
	assert.False(t, components["aggregate"].IsSplitIndexed)
}
