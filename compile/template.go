package compile

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/v-shavyaa/metaflow/argo"
	"github.com/v-shavyaa/metaflow/types"
	"github.com/v-shavyaa/metaflow/utils"
)

const (
	volumeNameParam  = "volume-name"
	defaultVolumeDir = "/opt/metaflow_volume"
	sharedMemoryDir  = "/dev/shm"

	// internal bookkeeping keys, stripped by the emitter before the
	// public label set is applied
	InternalKeyPrefix     = "pipelines.metaflow.org/"
	internalTaskIDKey     = InternalKeyPrefix + "task_id"
	internalCompilerKey   = InternalKeyPrefix + "compiler"
	istioInjectLabel      = "sidecar.istio.io/inject"
	defaultVolumeAccess   = "ReadWriteOnce"
	volumeCreateRetries   = 3
	gpuResourceNamePrefix = ".com/gpu"
)

/**
 * stepTemplate renders the container template of one step. hook names
 * the parameters rebound from a preceding hook of the parent step;
 * nextHook, when a successor declares a hook, lists the output fields
 * this step must surface for it.
 */
func (c *Compiler) stepTemplate(node *types.Node, comp *types.Component, hook *hookBinding, nextHook *types.HookSpec) *argo.Template {
	name := utils.SanitizeName(node.Name)

	hookParams := make([]string, 0)
	if hook != nil {
		for _, param := range hook.params {
			hookParams = append(hookParams, param.Name)
		}
	}
	hookExports := make([]string, 0)
	if nextHook != nil {
		hookExports = nextHook.Inputs
	}

	container := &corev1.Container{
		Name:      "main",
		Image:     comp.Image,
		Command:   stepCommand(node, comp, c.env, hookExports, hookParams),
		Env:       c.stepEnv(node, comp),
		Resources: containerResources(comp.Resources),
	}

	tmpl := &argo.Template{
		Name:      name,
		Container: container,
		Metadata: &argo.Metadata{
			Annotations: map[string]string{
				internalTaskIDKey:   comp.TaskID,
				internalCompilerKey: Version(),
			},
			Labels: map[string]string{istioInjectLabel: "false"},
		},
		Affinity:    affinityFrom(comp.Scheduling.MatchExpressions),
		Tolerations: comp.Scheduling.Tolerations,
	}

	inputs := make([]argo.Parameter, 0)
	if comp.IsSplitIndexed {
		inputs = append(inputs, argo.Parameter{Name: splitIndexParam})
	}
	for _, param := range hookParams {
		inputs = append(inputs, argo.Parameter{Name: param})
	}
	if comp.Resources.HasVolume() {
		inputs = append(inputs, argo.Parameter{Name: volumeNameParam})
	}
	if len(inputs) > 0 {
		tmpl.Inputs = &argo.Inputs{Parameters: inputs}
	}

	outputs := make([]argo.Parameter, 0)
	if node.IsForeach() {
		outputs = append(outputs, argo.Parameter{
			Name:      foreachSplitsParam,
			ValueFrom: &argo.ValueFrom{Path: foreachSplitsPath},
		})
	}
	for _, field := range hookExports {
		outputs = append(outputs, argo.Parameter{
			Name:      field,
			ValueFrom: &argo.ValueFrom{Path: hookOutputPath(field)},
		})
	}
	if len(outputs) > 0 {
		tmpl.Outputs = &argo.Outputs{Parameters: outputs}
	}

	if comp.Retry.TotalRetries > 0 {
		tmpl.RetryStrategy = &argo.RetryStrategy{
			Limit:       comp.Retry.TotalRetries,
			RetryPolicy: "Always",
			Backoff: &argo.Backoff{
				Duration: comp.Retry.BackoffDuration,
				Factor:   comp.Retry.BackoffFactor,
			},
		}
	}

	c.mountVolumes(tmpl, comp)
	return tmpl
}

// mountVolumes attaches the decorator-provisioned claim and, when a
// shared memory size is requested, a memory backed /dev/shm.
func (c *Compiler) mountVolumes(tmpl *argo.Template, comp *types.Component) {
	if comp.Resources.HasVolume() {
		dir := comp.Resources.VolumeDir
		if dir == "" {
			dir = defaultVolumeDir
		}
		tmpl.Volumes = append(tmpl.Volumes, corev1.Volume{
			Name: "task-volume",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: fmt.Sprintf("{{inputs.parameters.%s}}", volumeNameParam),
				},
			},
		})
		tmpl.Container.VolumeMounts = append(tmpl.Container.VolumeMounts, corev1.VolumeMount{
			Name:      "task-volume",
			MountPath: dir,
		})
	}

	if comp.Resources.SharedMemory != "" {
		size := resource.MustParse(comp.Resources.SharedMemory)
		tmpl.Volumes = append(tmpl.Volumes, corev1.Volume{
			Name: "dev-shm",
			VolumeSource: corev1.VolumeSource{
				EmptyDir: &corev1.EmptyDirVolumeSource{
					Medium:    corev1.StorageMediumMemory,
					SizeLimit: &size,
				},
			},
		})
		tmpl.Container.VolumeMounts = append(tmpl.Container.VolumeMounts, corev1.VolumeMount{
			Name:      "dev-shm",
			MountPath: sharedMemoryDir,
		})
	}
}

func (c *Compiler) stepEnv(node *types.Node, comp *types.Component) []corev1.EnvVar {
	env := []corev1.EnvVar{
		{Name: "METAFLOW_RUN_ID", Value: runIDExpr},
		{Name: "METAFLOW_FLOW_NAME", Value: c.env.flowName},
		{Name: "METAFLOW_STEP_NAME", Value: node.Name},
		{Name: "METAFLOW_USER", Value: c.env.username},
		{Name: "MF_POD_NAME", ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"},
		}},
		{Name: "MF_POD_NAMESPACE", ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.namespace"},
		}},
		{Name: "MF_ARGO_WORKFLOW_NAME", ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.labels['workflows.argoproj.io/workflow']"},
		}},
	}
	for _, key := range utils.SortedKeys(comp.EnvVars) {
		env = append(env, corev1.EnvVar{Name: key, Value: comp.EnvVars[key]})
	}
	return env
}

// containerResources renders requests/limits. Quantities were already
// validated by the component builder, so MustParse cannot panic here.
func containerResources(res types.ResourceRequirements) corev1.ResourceRequirements {
	requests := corev1.ResourceList{}
	limits := corev1.ResourceList{}

	if res.CPU != "" {
		requests[corev1.ResourceCPU] = resource.MustParse(res.CPU)
		limits[corev1.ResourceCPU] = resource.MustParse(res.CPU)
	}
	if res.Memory != "" {
		requests[corev1.ResourceMemory] = resource.MustParse(res.Memory)
		limits[corev1.ResourceMemory] = resource.MustParse(res.Memory)
	}
	if res.HasGPU() {
		gpuResource := corev1.ResourceName(res.GPUVendor + gpuResourceNamePrefix)
		requests[gpuResource] = resource.MustParse(res.GPU)
		limits[gpuResource] = resource.MustParse(res.GPU)
	}

	reqs := corev1.ResourceRequirements{}
	if len(requests) > 0 {
		reqs.Requests = requests
	}
	if len(limits) > 0 {
		reqs.Limits = limits
	}
	return reqs
}

func affinityFrom(expressions []corev1.NodeSelectorRequirement) *corev1.Affinity {
	if len(expressions) == 0 {
		return nil
	}
	return &corev1.Affinity{
		NodeAffinity: &corev1.NodeAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
				NodeSelectorTerms: []corev1.NodeSelectorTerm{
					{MatchExpressions: expressions},
				},
			},
		},
	}
}

// hookTemplate renders the auxiliary node a preceding hook injects:
// a referenced container command, inputs fed from the parent step's
// outputs, outputs surfaced for the successor to rebind.
func hookTemplate(name string, spec *types.HookSpec) *argo.Template {
	tmpl := &argo.Template{
		Name: name,
		Container: &corev1.Container{
			Name:    "main",
			Image:   spec.Image,
			Command: spec.Command,
		},
		Metadata: &argo.Metadata{
			Labels: map[string]string{istioInjectLabel: "false"},
		},
	}
	if len(spec.Inputs) > 0 {
		inputs := make([]argo.Parameter, 0, len(spec.Inputs))
		for _, input := range spec.Inputs {
			inputs = append(inputs, argo.Parameter{Name: input})
		}
		tmpl.Inputs = &argo.Inputs{Parameters: inputs}
	}
	if len(spec.Outputs) > 0 {
		outputs := make([]argo.Parameter, 0, len(spec.Outputs))
		for _, output := range spec.Outputs {
			outputs = append(outputs, argo.Parameter{
				Name:      output,
				ValueFrom: &argo.ValueFrom{Path: hookOutputPath(output)},
			})
		}
		tmpl.Outputs = &argo.Outputs{Parameters: outputs}
	}
	return tmpl
}

/**
 * volumeTemplate renders the resource node that provisions a step's
 * claim. The claim is owner-referenced to the workflow so the engine
 * garbage collects it with the run, and the generated claim name is
 * surfaced as an output for the step's volume mount.
 */
func volumeTemplate(name string, comp *types.Component) *argo.Template {
	access := comp.Resources.VolumeType
	if access == "" {
		access = defaultVolumeAccess
	}
	manifest := strings.Join([]string{
		"apiVersion: v1",
		"kind: PersistentVolumeClaim",
		"metadata:",
		"  generateName: " + name + "-",
		"  ownerReferences:",
		"  - apiVersion: " + argo.APIVersion,
		"    blockOwnerDeletion: true",
		"    kind: Workflow",
		"    name: \"{{workflow.name}}\"",
		"    uid: \"{{workflow.uid}}\"",
		"spec:",
		"  accessModes: [" + access + "]",
		"  resources:",
		"    requests:",
		"      storage: " + comp.Resources.Volume,
	}, "\n")

	return &argo.Template{
		Name: name,
		Resource: &argo.ResourceTemplate{
			Action:   "create",
			Manifest: manifest,
		},
		Outputs: &argo.Outputs{Parameters: []argo.Parameter{
			{Name: "name", ValueFrom: &argo.ValueFrom{JSONPath: "{.metadata.name}"}},
		}},
		RetryStrategy: &argo.RetryStrategy{Limit: volumeCreateRetries, RetryPolicy: "Always"},
	}
}

// exitHandlerTemplate renders one completion handler container; the
// run condition is attached by the weaver, not here.
func exitHandlerTemplate(spec *types.ExitHandlerSpec, env commandEnv) *argo.Template {
	command := spec.Command
	if len(command) == 0 {
		command = exitHandlerCommand(spec.Name, spec.Env, env)
	}

	container := &corev1.Container{
		Name:      "main",
		Image:     spec.Image,
		Command:   command,
		Resources: containerResources(spec.Resources),
	}
	for _, key := range utils.SortedKeys(spec.Env) {
		container.Env = append(container.Env, corev1.EnvVar{Name: key, Value: spec.Env[key]})
	}

	tmpl := &argo.Template{
		Name:      spec.Name,
		Container: container,
		Metadata: &argo.Metadata{
			Labels: map[string]string{istioInjectLabel: "false"},
		},
	}
	if spec.Retry.TotalRetries > 0 {
		tmpl.RetryStrategy = &argo.RetryStrategy{
			Limit:       spec.Retry.TotalRetries,
			RetryPolicy: "Always",
			Backoff: &argo.Backoff{
				Duration: spec.Retry.BackoffDuration,
				Factor:   spec.Retry.BackoffFactor,
			},
		}
	}
	return tmpl
}
