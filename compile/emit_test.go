package compile

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/v-shavyaa/metaflow/graph"
	"github.com/v-shavyaa/metaflow/types"
)

func emitTestDAG(t *testing.T, opts *types.PipelineOptions) *CompiledDAG {
	b := graph.NewBuilder("Emit_Flow")
	assert.NoError(t, b.Step("start"))
	assert.NoError(t, b.Step("end"))
	assert.NoError(t, b.Edge("start", "end"))
	b.Parameter("alpha", "0.1")
	g, err := b.Build()
	assert.NoError(t, err)

	components, err := NewComponentBuilder(g, "base:latest").BuildAll()
	assert.NoError(t, err)
	dag, err := NewCompiler(g, components, opts, "").Compile(nil)
	assert.NoError(t, err)
	return dag
}

func TestEmitWorkflow(t *testing.T) {
	opts := types.NewPipelineOptions()
	opts.Username = "jane@example.com"
	opts.Experiment = "exp-1"
	opts.Tags = []string{"nightly", "team:ml"}
	emitter := NewEmitter(opts, "", "model-pipeline", "ml-platform")

	wf, err := emitter.Workflow(emitTestDAG(t, opts))
	assert.NoError(t, err)

	assert.Equal(t, "Workflow", wf.Kind)
	assert.Equal(t, "emit-flow-", wf.Metadata.GenerateName)
	assert.Empty(t, wf.Metadata.Name)
	// single runs get their service account from the namespace webhook
	assert.Empty(t, wf.Spec.ServiceAccountName)
	assert.Equal(t, "emit-flow", wf.Spec.Entrypoint)

	labels := wf.Metadata.Labels
	assert.Equal(t, "Emit_Flow", labels["metaflow.org/flow_name"])
	assert.Equal(t, "exp-1", labels["metaflow.org/experiment"])
	assert.Equal(t, "true", labels["metaflow.org/tag_nightly"])
	assert.Equal(t, "ml", labels["metaflow.org/tag_team"])
	assert.Equal(t, "jane", labels["zodiac.zillowgroup.net/owner"])
	assert.Equal(t, "model-pipeline", labels["zodiac.zillowgroup.net/service"])
	assert.Equal(t, "ml-platform", labels["zodiac.zillowgroup.net/team"])
	assert.Equal(t, "batch", labels["zodiac.zillowgroup.net/product"])

	assert.Equal(t, "alpha", wf.Spec.Arguments.Parameters[0].Name)
}

func TestEmitWorkflowPolicy(t *testing.T) {
	opts := types.NewPipelineOptions()
	opts.MaxParallelism = 25
	opts.WorkflowTimeout = 3600
	opts.TTLSecondsAfterCompletion = 86400
	opts.MaxRunConcurrency = 5
	emitter := NewEmitter(opts, "", "", "")

	wf, err := emitter.Workflow(emitTestDAG(t, opts))
	assert.NoError(t, err)

	assert.Equal(t, int64(25), *wf.Spec.Parallelism)
	assert.Equal(t, int64(3600), *wf.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int32(86400), *wf.Spec.TTLStrategy.SecondsAfterCompletion)

	semaphore := wf.Spec.Synchronization.Semaphore.ConfigMapKeyRef
	assert.Equal(t, "emit-flow", semaphore.Name)
	assert.Equal(t, "max_run_concurrency", semaphore.Key)
}

func TestEmitStripsInternalKeys(t *testing.T) {
	opts := types.NewPipelineOptions()
	emitter := NewEmitter(opts, "", "", "")

	wf, err := emitter.Workflow(emitTestDAG(t, opts))
	assert.NoError(t, err)

	for _, tmpl := range wf.Spec.Templates {
		if tmpl.Container == nil {
			continue
		}
		for key := range tmpl.Metadata.Annotations {
			assert.NotContains(t, key, InternalKeyPrefix)
		}
		assert.Equal(t, tmpl.Name, tmpl.Metadata.Annotations["metaflow.org/step"])
		assert.Equal(t, "argo-{{workflow.uid}}", tmpl.Metadata.Annotations["metaflow.org/run_id"])
		assert.Equal(t, "false", tmpl.Metadata.Labels["sidecar.istio.io/inject"])
		assert.Equal(t, "Emit_Flow", tmpl.Metadata.Labels["metaflow.org/flow_name"])
	}
}

func TestEmitWorkflowTemplate(t *testing.T) {
	opts := types.NewPipelineOptions()
	emitter := NewEmitter(opts, "pipeline-runner", "", "")

	wf, err := emitter.WorkflowTemplate(emitTestDAG(t, opts))
	assert.NoError(t, err)

	assert.Equal(t, "WorkflowTemplate", wf.Kind)
	assert.Equal(t, "emit-flow", wf.Metadata.Name)
	assert.Empty(t, wf.Metadata.GenerateName)
	assert.Equal(t, "pipeline-runner", wf.Spec.ServiceAccountName)
}

func TestEmitExplicitName(t *testing.T) {
	opts := types.NewPipelineOptions()
	opts.Name = "My Custom Name"
	emitter := NewEmitter(opts, "", "", "")

	wf, err := emitter.WorkflowTemplate(emitTestDAG(t, opts))
	assert.NoError(t, err)
	assert.Equal(t, "my-custom-name", wf.Metadata.Name)
}

func TestEmitCronWorkflow(t *testing.T) {
	opts := types.NewPipelineOptions()
	opts.RecurringRunCron = "0 4 * * *"
	opts.RecurringRunEnable = true
	opts.RecurringRunPolicy = types.ConcurrencyForbid
	emitter := NewEmitter(opts, "", "", "")

	cron, err := emitter.CronWorkflow(emitTestDAG(t, opts))
	assert.NoError(t, err)

	assert.Equal(t, "CronWorkflow", cron.Kind)
	assert.Equal(t, "emit-flow", cron.Metadata.Name)
	assert.Equal(t, "0 4 * * *", cron.Spec.Schedule)
	assert.Equal(t, "Forbid", cron.Spec.ConcurrencyPolicy)
	assert.False(t, cron.Spec.Suspend)
	assert.Equal(t, "emit-flow", cron.Spec.WorkflowSpec.WorkflowTemplateRef.Name)
	assert.Equal(t, "alpha", cron.Spec.WorkflowSpec.Arguments.Parameters[0].Name)
}

func TestEmitCronWorkflowDisabled(t *testing.T) {
	// enabled=false with no schedule: suspended, on a never-firing cron
	opts := types.NewPipelineOptions()
	emitter := NewEmitter(opts, "", "", "")

	cron, err := emitter.CronWorkflow(emitTestDAG(t, opts))
	assert.NoError(t, err)
	assert.True(t, cron.Spec.Suspend)
	assert.Equal(t, "* * 0 * *", cron.Spec.Schedule)
}

func TestEmitConfigMap(t *testing.T) {
	opts := types.NewPipelineOptions()
	opts.MaxRunConcurrency = 7
	emitter := NewEmitter(opts, "", "", "")

	cm, err := emitter.ConfigMap(emitTestDAG(t, opts))
	assert.NoError(t, err)
	assert.Equal(t, "ConfigMap", cm.Kind)
	assert.Equal(t, "emit-flow", cm.Name)
	assert.Equal(t, map[string]string{"max_run_concurrency": "7"}, cm.Data)
}

func TestEmitConfigMapRejectsNonPositive(t *testing.T) {
	opts := types.NewPipelineOptions()
	opts.MaxRunConcurrency = 0
	dag := emitTestDAG(t, opts)

	_, err := NewEmitter(opts, "", "", "").ConfigMap(dag)
	assert.True(t, errors.IsBadRequest(err))
}

func TestEmitTagValidation(t *testing.T) {
	invalid := []string{
		"bad:-leading-dash",
		"worse:trailing.",
		"ugly:has spaces",
	}
	for _, tag := range invalid {
		opts := types.NewPipelineOptions()
		opts.Tags = []string{tag}
		dag := emitTestDAG(t, opts)

		_, err := NewEmitter(opts, "", "", "").Workflow(dag)
		assert.True(t, errors.IsBadRequest(err), "tag %q should be rejected", tag)
	}
}

func TestEmitUnknownKind(t *testing.T) {
	opts := types.NewPipelineOptions()
	dag := emitTestDAG(t, opts)

	_, err := NewEmitter(opts, "", "", "").Emit(dag, types.ManifestKind("Deployment"))
	assert.True(t, errors.IsNotImplemented(err))
}

func TestEmitYAML(t *testing.T) {
	opts := types.NewPipelineOptions()
	dag := emitTestDAG(t, opts)

	raw, err := NewEmitter(opts, "", "", "").Emit(dag, types.KindWorkflow)
	assert.NoError(t, err)
	assert.Contains(t, string(raw), "apiVersion: argoproj.io/v1alpha1")
	assert.Contains(t, string(raw), "kind: Workflow")
	assert.Contains(t, string(raw), "entrypoint: emit-flow")
}
