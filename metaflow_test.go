package metaflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/v-shavyaa/metaflow/argo"
	"github.com/v-shavyaa/metaflow/graph"
	"github.com/v-shavyaa/metaflow/types"
)

type fakeCluster struct {
	templates  map[string]*argo.Workflow
	crons      map[string]*argo.CronWorkflow
	configMaps map[string]*corev1.ConfigMap
	runs       []*argo.Workflow
	triggered  []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		templates:  map[string]*argo.Workflow{},
		crons:      map[string]*argo.CronWorkflow{},
		configMaps: map[string]*corev1.ConfigMap{},
	}
}

func (f *fakeCluster) Namespace() string { return "test" }

func (f *fakeCluster) GetTemplate(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	if _, exists := f.templates[name]; !exists {
		return nil, errors.NotFoundf("workflow template %s", name)
	}
	return &unstructured.Unstructured{}, nil
}

func (f *fakeCluster) CreateTemplate(ctx context.Context, wf *argo.Workflow) error {
	f.templates[wf.Metadata.Name] = wf
	return nil
}

func (f *fakeCluster) ApplyCronWorkflow(ctx context.Context, cron *argo.CronWorkflow) error {
	f.crons[cron.Metadata.Name] = cron
	return nil
}

func (f *fakeCluster) ApplyConfigMap(ctx context.Context, cm *corev1.ConfigMap) error {
	f.configMaps[cm.Name] = cm
	return nil
}

func (f *fakeCluster) Run(ctx context.Context, wf *argo.Workflow) (string, error) {
	f.runs = append(f.runs, wf)
	return wf.Metadata.GenerateName + "x7k2p", nil
}

func (f *fakeCluster) TriggerTemplate(ctx context.Context, name string, parameters map[string]string) (string, error) {
	if _, exists := f.templates[name]; !exists {
		return "", errors.NotFoundf("workflow template %s", name)
	}
	f.triggered = append(f.triggered, name)
	return name + "-r1", nil
}

func (f *fakeCluster) WaitForCompletion(ctx context.Context, name string, interval time.Duration) (string, error) {
	return argo.PhaseSucceeded, nil
}

func trainingGraph(t *testing.T) *types.Graph {
	b := graph.NewBuilder("TrainingFlow")
	assert.NoError(t, b.Step("start"))
	assert.NoError(t, b.Foreach("fanout"))
	assert.NoError(t, b.Step("train"))
	assert.NoError(t, b.Join("gather"))
	assert.NoError(t, b.Step("end"))
	for _, e := range [][2]string{
		{"start", "fanout"}, {"fanout", "train"},
		{"train", "gather"}, {"gather", "end"},
	} {
		assert.NoError(t, b.Edge(e[0], e[1]))
	}
	g, err := b.Build()
	assert.NoError(t, err)
	return g
}

func newTestPipeline(t *testing.T, opts ...types.PipelineOption) (*Pipeline, *fakeCluster) {
	opts = append([]types.PipelineOption{
		types.EnableMemLedger(),
		types.DisableS3CodePackage(),
		types.WithBaseImage("test/runtime:v1"),
	}, opts...)
	p, err := New(trainingGraph(t), opts...)
	assert.NoError(t, err)

	cluster := newFakeCluster()
	p.SetCluster(cluster)
	return p, cluster
}

func TestPipelineCompile(t *testing.T) {
	p, _ := newTestPipeline(t)
	defer p.Close()

	raw, err := p.Compile(types.KindWorkflow)
	assert.NoError(t, err)
	manifest := string(raw)

	assert.Contains(t, manifest, "kind: Workflow")
	assert.Contains(t, manifest, "generateName: trainingflow-")
	assert.Contains(t, manifest, "entrypoint: trainingflow")
	assert.Contains(t, manifest, "withParam:")
	assert.Contains(t, manifest, "fanout-foreach")
	assert.Contains(t, manifest, "test/runtime:v1")
}

func TestPipelineCompileAllKinds(t *testing.T) {
	p, _ := newTestPipeline(t)
	defer p.Close()

	for _, kind := range []types.ManifestKind{
		types.KindWorkflow, types.KindWorkflowTemplate,
		types.KindCronWorkflow, types.KindConfigMap,
	} {
		raw, err := p.Compile(kind)
		assert.NoError(t, err, "kind %s", kind)
		assert.Contains(t, string(raw), "kind: "+string(kind))
	}
}

func TestPipelineCompileWithExitHandlers(t *testing.T) {
	p, _ := newTestPipeline(t, types.WithSQSDeadLetter("https://sqs.example.com/q", "arn:aws:iam::1:role/r"))
	defer p.Close()

	raw, err := p.Compile(types.KindWorkflow)
	assert.NoError(t, err)
	manifest := string(raw)

	assert.Contains(t, manifest, "onExit: exit-handler")
	assert.Contains(t, manifest, "sqs-exit-handler")
	assert.Contains(t, manifest, "{{workflow.status}} != 'Succeeded'")
}

func TestPipelineRun(t *testing.T) {
	p, cluster := newTestPipeline(t)
	defer p.Close()

	ctx := context.Background()
	runName, err := p.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "trainingflow-x7k2p", runName)

	// the concurrency config map travels with the run
	cm := cluster.configMaps["trainingflow"]
	assert.NotNil(t, cm)
	assert.Equal(t, "10", cm.Data["max_run_concurrency"])

	assert.Len(t, cluster.runs, 1)
	assert.Equal(t, "trainingflow-", cluster.runs[0].Metadata.GenerateName)

	history, err := p.History(ctx)
	assert.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, string(types.KindWorkflow), history[0].Kind)
	assert.Equal(t, runName, history[0].RunName)
}

func TestPipelineDeploy(t *testing.T) {
	p, cluster := newTestPipeline(t,
		types.WithRecurringRun("0 4 * * *", types.ConcurrencyForbid, true))
	defer p.Close()

	ctx := context.Background()
	name, err := p.Deploy(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "trainingflow", name)

	assert.NotNil(t, cluster.templates["trainingflow"])
	assert.NotNil(t, cluster.configMaps["trainingflow"])

	cron := cluster.crons["trainingflow"]
	assert.NotNil(t, cron)
	assert.Equal(t, "0 4 * * *", cron.Spec.Schedule)
	assert.False(t, cron.Spec.Suspend)

	history, err := p.History(ctx)
	assert.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, string(types.KindWorkflowTemplate), history[0].Kind)
}

func TestPipelineDeployWithoutCron(t *testing.T) {
	p, cluster := newTestPipeline(t)
	defer p.Close()

	_, err := p.Deploy(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, cluster.crons)
}

func TestPipelineTrigger(t *testing.T) {
	p, cluster := newTestPipeline(t)
	defer p.Close()

	ctx := context.Background()

	// triggering before deploying names the missing template
	_, err := p.Trigger(ctx, "trainingflow", nil)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "deploy the flow")

	_, err = p.Deploy(ctx)
	assert.NoError(t, err)

	runName, err := p.Trigger(ctx, "trainingflow", map[string]string{"alpha": "0.2"})
	assert.NoError(t, err)
	assert.Equal(t, "trainingflow-r1", runName)
	assert.Equal(t, []string{"trainingflow"}, cluster.triggered)
}

func TestPipelineRunNeedsCluster(t *testing.T) {
	p, err := New(trainingGraph(t),
		types.EnableMemLedger(), types.DisableS3CodePackage())
	assert.NoError(t, err)
	defer p.Close()

	_, err = p.Run(context.Background())
	assert.True(t, errors.IsBadRequest(err))
}

func TestPipelinePackagingNeedsBlobStore(t *testing.T) {
	p, err := New(trainingGraph(t), types.EnableMemLedger())
	assert.NoError(t, err)
	defer p.Close()
	p.SetCluster(newFakeCluster())

	// S3CodePackage defaults to on, but no bucket is configured
	_, err = p.Run(context.Background())
	assert.True(t, errors.IsBadRequest(err))
}

func TestPipelineRunWithCodePackage(t *testing.T) {
	p, cluster := newTestPipeline(t)
	defer p.Close()
	p.Options().S3CodePackage = true
	p.Options().FlowDir = t.TempDir()
	blob := &fakeBlob{}
	p.SetBlobStore(blob)

	runName, err := p.Run(context.Background())
	assert.NoError(t, err)
	assert.NotEmpty(t, runName)
	assert.Len(t, cluster.runs, 1)

	history, err := p.History(context.Background())
	assert.NoError(t, err)
	assert.NotEmpty(t, history[0].SHA)

	// the code package and the manifests it was compiled against land
	// under the same content address
	sha := history[0].SHA
	assert.Contains(t, blob.keys, sha+"/job.tar")
	assert.Contains(t, blob.keys, sha+"/manifests/workflow.yaml")
	assert.Contains(t, blob.keys, sha+"/manifests/configmap.yaml")
}

func TestPipelineDeployArchivesManifests(t *testing.T) {
	p, _ := newTestPipeline(t,
		types.WithRecurringRun("0 4 * * *", types.ConcurrencyForbid, true))
	defer p.Close()
	p.Options().S3CodePackage = true
	p.Options().FlowDir = t.TempDir()
	blob := &fakeBlob{}
	p.SetBlobStore(blob)

	_, err := p.Deploy(context.Background())
	assert.NoError(t, err)

	history, err := p.History(context.Background())
	assert.NoError(t, err)
	sha := history[0].SHA
	assert.Contains(t, blob.keys, sha+"/manifests/workflowtemplate.yaml")
	assert.Contains(t, blob.keys, sha+"/manifests/configmap.yaml")
	assert.Contains(t, blob.keys, sha+"/manifests/cronworkflow.yaml")
}

type fakeBlob struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeBlob) Save(ctx context.Context, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return "s3://fake/" + key, nil
}

func TestPipelineWait(t *testing.T) {
	p, _ := newTestPipeline(t)
	defer p.Close()

	phase, err := p.Wait(context.Background(), "trainingflow-x7k2p", time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, argo.PhaseSucceeded, phase)
}

func TestPipelineRejectsNilGraph(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsBadRequest(err))
}

func TestPipelineWriteManifest(t *testing.T) {
	p, _ := newTestPipeline(t)
	defer p.Close()

	path := filepath.Join(t.TempDir(), "workflow.yaml")
	assert.NoError(t, p.WriteManifest(types.KindWorkflow, path))

	raw, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(raw), "kind: Workflow")
}
