package compile

import (
	"strconv"

	"github.com/juju/errors"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/v-shavyaa/metaflow/types"
)

const (
	defaultBackoffDuration = "2m"
	defaultBackoffFactor   = 2
	defaultGPUVendor       = "nvidia"
)

/**
 * ComponentBuilder projects one node and its decorators into a
 * Component. It never walks edges; the only graph access is a type
 * lookup of the enclosing splits. Batch and schedule decorators are
 * rejected here, before any manifest is assembled.
 */
type ComponentBuilder struct {
	graph     *types.Graph
	baseImage string
}

func NewComponentBuilder(graph *types.Graph, baseImage string) *ComponentBuilder {
	return &ComponentBuilder{graph: graph, baseImage: baseImage}
}

// BuildAll assigns task ids by graph registration order, so identical
// graphs always produce identical ids.
func (b *ComponentBuilder) BuildAll() (map[string]*types.Component, error) {
	components := make(map[string]*types.Component, b.graph.Len())
	for i, name := range b.graph.Names() {
		component, err := b.Build(b.graph.Node(name), strconv.Itoa(i+1))
		if err != nil {
			return nil, errors.Trace(err)
		}
		components[name] = component
	}
	return components, nil
}

func (b *ComponentBuilder) Build(node *types.Node, taskID string) (*types.Component, error) {
	for _, deco := range node.Decorators {
		switch deco.Kind {
		case types.DecoratorBatch, types.DecoratorSchedule:
			return nil, types.NewUnsupportedDecoratorError(node.Name, deco.Kind)
		}
	}

	resources, err := buildResources(node)
	if err != nil {
		return nil, errors.Annotatef(err, "step %s", node.Name)
	}

	accelerator := ""
	if deco, found := node.FindDecorator(types.DecoratorAccelerator); found {
		accelerator, _ = deco.Attributes.GetString("type")
	}
	_, interruptible := node.FindDecorator(types.DecoratorInterruptible)

	hook, err := buildHook(node)
	if err != nil {
		return nil, errors.Annotatef(err, "step %s", node.Name)
	}

	component := &types.Component{
		StepName:       node.Name,
		TaskID:         taskID,
		Image:          b.baseImage,
		Resources:      resources,
		Retry:          buildRetry(node),
		Scheduling:     DeriveScheduling(resources, accelerator, interruptible),
		EnvVars:        buildEnv(node),
		Hook:           hook,
		Interruptible:  interruptible,
		IsSplitIndexed: b.splitIndexed(node),
	}
	if deco, found := node.FindDecorator(types.DecoratorResources); found {
		if image, _ := deco.Attributes.GetString("image"); image != "" {
			component.Image = image
		}
	}
	return component, nil
}

// buildResources folds every resources decorator in declaration order,
// later values overriding earlier ones field by field.
func buildResources(node *types.Node) (types.ResourceRequirements, error) {
	res := types.ResourceRequirements{}
	for _, deco := range node.FindDecorators(types.DecoratorResources) {
		if value, _ := deco.Attributes.GetString("local_storage"); value != "" {
			return res, errors.BadRequestf("local_storage on step %s is no longer supported, use volume", node.Name)
		}
		assign := func(key string, target *string) {
			if value, _ := deco.Attributes.GetString(key); value != "" {
				*target = value
			}
		}
		assign("cpu", &res.CPU)
		assign("memory", &res.Memory)
		assign("gpu", &res.GPU)
		assign("gpu_vendor", &res.GPUVendor)
		assign("volume", &res.Volume)
		assign("volume_type", &res.VolumeType)
		assign("volume_dir", &res.VolumeDir)
		assign("shared_memory", &res.SharedMemory)
	}

	var err error
	if res.Memory, err = normalizeQuantity(res.Memory); err != nil {
		return res, errors.Annotatef(err, "memory")
	}
	if res.Volume, err = normalizeQuantity(res.Volume); err != nil {
		return res, errors.Annotatef(err, "volume")
	}
	if res.SharedMemory, err = normalizeQuantity(res.SharedMemory); err != nil {
		return res, errors.Annotatef(err, "shared_memory")
	}
	if res.CPU != "" {
		if _, err := resource.ParseQuantity(res.CPU); err != nil {
			return res, errors.BadRequestf("cpu quantity %q", res.CPU)
		}
	}
	if res.HasGPU() && res.GPUVendor == "" {
		res.GPUVendor = defaultGPUVendor
	}
	return res, nil
}

// normalizeQuantity turns bare numbers into megabytes and rejects
// anything the cluster would not accept.
func normalizeQuantity(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		value += "M"
	}
	if _, err := resource.ParseQuantity(value); err != nil {
		return "", errors.BadRequestf("quantity %q", value)
	}
	return value, nil
}

/**
 * buildRetry merges every retry decorator on the node. Retry counts
 * take the per-field maximum across decorators; the backoff settings
 * come from the last retry decorator alone. No retry decorator means
 * a zero RetrySpec and no retryStrategy in the manifest.
 */
func buildRetry(node *types.Node) types.RetrySpec {
	spec := types.RetrySpec{}
	retryDecos := node.FindDecorators(types.DecoratorRetry)
	for _, deco := range retryDecos {
		times, _ := deco.Attributes.GetInt("times")
		total, exists := deco.Attributes.GetInt("total_times")
		if !exists || total < times {
			total = times
		}
		if times > spec.UserCodeRetries {
			spec.UserCodeRetries = times
		}
		if total > spec.TotalRetries {
			spec.TotalRetries = total
		}
	}
	if len(retryDecos) > 0 {
		spec.BackoffDuration = defaultBackoffDuration
		spec.BackoffFactor = defaultBackoffFactor

		last := retryDecos[len(retryDecos)-1]
		if duration, _ := last.Attributes.GetString("backoff_duration"); duration != "" {
			spec.BackoffDuration = duration
		}
		if factor, _ := last.Attributes.GetInt("backoff_factor"); factor > 0 {
			spec.BackoffFactor = factor
		}
	}
	return spec
}

func buildEnv(node *types.Node) map[string]string {
	env := map[string]string{}
	for _, deco := range node.FindDecorators(types.DecoratorEnvironment) {
		if vars, _ := deco.Attributes.GetStringMap("vars"); vars != nil {
			for k, v := range vars {
				env[k] = v
			}
		}
	}
	return env
}

func buildHook(node *types.Node) (*types.HookSpec, error) {
	deco, found := node.FindDecorator(types.DecoratorHook)
	if !found {
		return nil, nil
	}
	image, _ := deco.Attributes.GetString("image")
	if image == "" {
		return nil, errors.BadRequestf("hook decorator needs an image")
	}
	command, _ := deco.Attributes.GetStringSlice("command")
	inputs, _ := deco.Attributes.GetStringSlice("inputs")
	outputs, _ := deco.Attributes.GetStringSlice("outputs")
	return &types.HookSpec{
		Image:   image,
		Command: command,
		Inputs:  inputs,
		Outputs: outputs,
	}, nil
}

func (b *ComponentBuilder) splitIndexed(node *types.Node) bool {
	for _, parent := range node.SplitParents {
		if split := b.graph.Node(parent); split != nil && split.IsForeach() {
			return true
		}
	}
	return false
}
