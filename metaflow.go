package metaflow

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/v-shavyaa/metaflow/argo"
	"github.com/v-shavyaa/metaflow/compile"
	"github.com/v-shavyaa/metaflow/config"
	"github.com/v-shavyaa/metaflow/packager"
	"github.com/v-shavyaa/metaflow/store"
	"github.com/v-shavyaa/metaflow/store/mem"
	"github.com/v-shavyaa/metaflow/store/postgres"
	"github.com/v-shavyaa/metaflow/types"
)

// Cluster is the control plane surface the pipeline consumes; the argo
// package provides the real client, tests substitute fakes.
type Cluster interface {
	Namespace() string
	GetTemplate(ctx context.Context, name string) (*unstructured.Unstructured, error)
	CreateTemplate(ctx context.Context, wf *argo.Workflow) error
	ApplyCronWorkflow(ctx context.Context, cron *argo.CronWorkflow) error
	ApplyConfigMap(ctx context.Context, cm *corev1.ConfigMap) error
	Run(ctx context.Context, wf *argo.Workflow) (string, error)
	TriggerTemplate(ctx context.Context, name string, parameters map[string]string) (string, error)
	WaitForCompletion(ctx context.Context, name string, interval time.Duration) (string, error)
}

/**
 * Pipeline ties one flow graph to its compile and deploy lifecycle:
 * package code, compile manifests, submit or publish them, and record
 * what happened in the deployment ledger.
 */
type Pipeline struct {
	graph  *types.Graph
	opts   *types.PipelineOptions
	cfg    *config.Config
	ledger *store.Ledger

	cluster Cluster
	blob    packager.BlobStore

	packageSHA string
	packageURL string
}

func New(graph *types.Graph, opts ...types.PipelineOption) (*Pipeline, error) {
	if graph == nil {
		return nil, errors.BadRequestf("graph is nil")
	}
	options := types.NewPipelineOptions()
	for _, opt := range opts {
		opt(options)
	}

	cfg, err := config.Load(".env")
	if err != nil {
		return nil, errors.Trace(err)
	}
	applyConfigDefaults(options, cfg)

	ledgerStore, err := selectStore(options, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Pipeline{
		graph:  graph,
		opts:   options,
		cfg:    cfg,
		ledger: store.NewLedger(ledgerStore),
	}, nil
}

// applyConfigDefaults fills option fields the caller left empty from
// the environment configuration.
func applyConfigDefaults(opts *types.PipelineOptions, cfg *config.Config) {
	if opts.BaseImage == "" {
		opts.BaseImage = cfg.BaseImage
	}
	if opts.Username == "" {
		opts.Username = cfg.Username
	}
	if opts.SQSURLOnError == "" {
		opts.SQSURLOnError = cfg.SQSURLOnError
		opts.SQSRoleARNOnError = cfg.SQSRoleARNOnError
	}
	if opts.Notify {
		if opts.NotifyOnError == "" {
			opts.NotifyOnError = cfg.NotifyOnError
		}
		if opts.NotifyOnSuccess == "" {
			opts.NotifyOnSuccess = cfg.NotifyOnSuccess
		}
	}
}

// selectStore picks the ledger backing; an explicit postgres config
// wins over the environment DSN, the in-memory store is the fallback.
func selectStore(opts *types.PipelineOptions, cfg *config.Config) (store.Store, error) {
	if opts.PostgresConfig != nil {
		pgConfig := &postgres.Config{
			Host:     opts.PostgresConfig.Host,
			Port:     opts.PostgresConfig.Port,
			User:     opts.PostgresConfig.User,
			Password: opts.PostgresConfig.Password,
			Database: opts.PostgresConfig.Database,
			SSLMode:  opts.PostgresConfig.SSLMode,
		}
		s, err := postgres.NewPostgresStore(pgConfig)
		return s, errors.Annotatef(err, "failed to create PostgreSQL store")
	}
	if !opts.MemLedger && cfg.PostgresDSN != "" {
		pgConfig, err := postgres.ParseDSN(cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Trace(err)
		}
		s, err := postgres.NewPostgresStore(pgConfig)
		return s, errors.Annotatef(err, "failed to create PostgreSQL store")
	}
	return mem.NewMemStore(), nil
}

/**
 * Connect builds the real collaborators from configuration: the
 * cluster client and, when a bucket is configured, the S3 blob store.
 * Compile-only commands never call it.
 */
func (p *Pipeline) Connect(ctx context.Context) error {
	if p.cluster == nil {
		cluster, err := argo.NewClient(p.cfg.Kubeconfig, p.opts.KubernetesNamespace)
		if err != nil {
			return errors.Annotatef(err, "connect to cluster")
		}
		p.cluster = cluster
	}
	if p.blob == nil && p.cfg.S3Bucket != "" {
		blob, err := packager.NewS3Store(ctx, &packager.S3Config{
			Bucket:    p.cfg.S3Bucket,
			Prefix:    p.cfg.S3Prefix,
			Region:    p.cfg.S3Region,
			Endpoint:  p.cfg.S3Endpoint,
			AccessKey: p.cfg.S3AccessKey,
			SecretKey: p.cfg.S3SecretKey,
		})
		if err != nil {
			return errors.Annotatef(err, "connect to blob store")
		}
		p.blob = blob
	}
	return nil
}

func (p *Pipeline) SetCluster(cluster Cluster) {
	p.cluster = cluster
}

func (p *Pipeline) SetBlobStore(blob packager.BlobStore) {
	p.blob = blob
}

func (p *Pipeline) Options() *types.PipelineOptions {
	return p.opts
}

// Compile renders one manifest kind as YAML without touching the
// cluster.
func (p *Pipeline) Compile(kind types.ManifestKind) ([]byte, error) {
	dag, err := p.compileDAG()
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := p.emitter().Emit(dag, kind)
	return raw, errors.Trace(err)
}

func (p *Pipeline) WriteManifest(kind types.ManifestKind, path string) error {
	raw, err := p.Compile(kind)
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return errors.Annotatef(err, "write %s", path)
	}
	log.Infof("wrote %s manifest to %s", kind, path)
	return nil
}

/**
 * Run packages the flow code, compiles the Workflow plus its run
 * concurrency ConfigMap, submits both, and records the deployment.
 * The returned name is the engine-generated run name.
 */
func (p *Pipeline) Run(ctx context.Context) (string, error) {
	if p.cluster == nil {
		return "", errors.BadRequestf("no cluster client configured, call Connect first")
	}
	if err := p.ensurePackage(ctx); err != nil {
		return "", errors.Trace(err)
	}

	dag, err := p.compileDAG()
	if err != nil {
		return "", errors.Trace(err)
	}
	emitter := p.emitter()
	configMap, err := emitter.ConfigMap(dag)
	if err != nil {
		return "", errors.Trace(err)
	}
	workflow, err := emitter.Workflow(dag)
	if err != nil {
		return "", errors.Trace(err)
	}

	if err := p.archiveManifests(ctx, dag, types.KindWorkflow, types.KindConfigMap); err != nil {
		return "", errors.Trace(err)
	}

	if err := p.cluster.ApplyConfigMap(ctx, configMap); err != nil {
		return "", errors.Trace(err)
	}
	runName, err := p.cluster.Run(ctx, workflow)
	if err != nil {
		return "", errors.Trace(err)
	}

	err = p.ledger.Record(ctx, &store.Deployment{
		Flow:      p.graph.FlowName(),
		Name:      dag.WorkflowName,
		Kind:      string(types.KindWorkflow),
		Namespace: p.opts.KubernetesNamespace,
		SHA:       p.packageSHA,
		RunName:   runName,
	})
	if err != nil {
		return runName, errors.Annotatef(err, "record deployment of run %s", runName)
	}
	return runName, nil
}

// Wait blocks until the run reaches a terminal phase and reports
// whether it succeeded.
func (p *Pipeline) Wait(ctx context.Context, runName string, timeout time.Duration) (string, error) {
	if p.cluster == nil {
		return "", errors.BadRequestf("no cluster client configured, call Connect first")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	phase, err := p.cluster.WaitForCompletion(ctx, runName, 0)
	return phase, errors.Trace(err)
}

/**
 * Deploy publishes the WorkflowTemplate, its ConfigMap, and, when a
 * recurring run is configured, the CronWorkflow referencing the
 * template, then records the deployment.
 */
func (p *Pipeline) Deploy(ctx context.Context) (string, error) {
	if p.cluster == nil {
		return "", errors.BadRequestf("no cluster client configured, call Connect first")
	}
	if err := p.ensurePackage(ctx); err != nil {
		return "", errors.Trace(err)
	}

	dag, err := p.compileDAG()
	if err != nil {
		return "", errors.Trace(err)
	}
	emitter := p.emitter()
	configMap, err := emitter.ConfigMap(dag)
	if err != nil {
		return "", errors.Trace(err)
	}
	template, err := emitter.WorkflowTemplate(dag)
	if err != nil {
		return "", errors.Trace(err)
	}

	archived := []types.ManifestKind{types.KindWorkflowTemplate, types.KindConfigMap}
	if p.opts.RecurringRunEnable || p.opts.RecurringRunCron != "" {
		archived = append(archived, types.KindCronWorkflow)
	}
	if err := p.archiveManifests(ctx, dag, archived...); err != nil {
		return "", errors.Trace(err)
	}

	if err := p.cluster.ApplyConfigMap(ctx, configMap); err != nil {
		return "", errors.Trace(err)
	}
	if err := p.cluster.CreateTemplate(ctx, template); err != nil {
		return "", errors.Trace(err)
	}
	if p.opts.RecurringRunEnable || p.opts.RecurringRunCron != "" {
		cron, cronErr := emitter.CronWorkflow(dag)
		if cronErr != nil {
			return "", errors.Trace(cronErr)
		}
		if cronErr := p.cluster.ApplyCronWorkflow(ctx, cron); cronErr != nil {
			return "", errors.Trace(cronErr)
		}
	}

	err = p.ledger.Record(ctx, &store.Deployment{
		Flow:      p.graph.FlowName(),
		Name:      template.Metadata.Name,
		Kind:      string(types.KindWorkflowTemplate),
		Namespace: p.opts.KubernetesNamespace,
		SHA:       p.packageSHA,
	})
	if err != nil {
		return template.Metadata.Name, errors.Annotatef(err, "record deployment of %s", template.Metadata.Name)
	}
	return template.Metadata.Name, nil
}

// Trigger starts a run of a previously deployed template. A missing
// template is a config error telling the user to deploy first.
func (p *Pipeline) Trigger(ctx context.Context, name string, parameters map[string]string) (string, error) {
	if p.cluster == nil {
		return "", errors.BadRequestf("no cluster client configured, call Connect first")
	}
	runName, err := p.cluster.TriggerTemplate(ctx, name, parameters)
	if errors.IsNotFound(err) {
		return "", errors.Annotatef(err, "deploy the flow before triggering it")
	}
	return runName, errors.Trace(err)
}

func (p *Pipeline) History(ctx context.Context) ([]*store.Deployment, error) {
	deployments, err := p.ledger.List(ctx, p.graph.FlowName())
	return deployments, errors.Trace(err)
}

func (p *Pipeline) Close() error {
	return p.ledger.Close()
}

// ensurePackage builds and uploads the code package once per pipeline.
func (p *Pipeline) ensurePackage(ctx context.Context) error {
	if !p.opts.S3CodePackage || p.packageURL != "" {
		return nil
	}
	if p.blob == nil {
		return errors.BadRequestf("code packaging needs a blob store, configure METAFLOW_S3_BUCKET or disable the code package")
	}

	pkg, err := packager.New().Build(p.opts.FlowDir)
	if err != nil {
		return errors.Trace(err)
	}
	url, err := packager.Upload(ctx, p.blob, pkg)
	if err != nil {
		return errors.Trace(err)
	}
	p.packageSHA = pkg.SHA
	p.packageURL = url
	return nil
}

/**
 * archiveManifests stores the rendered manifests in the blob store next
 * to the code package they were compiled against, so a deployment can
 * be inspected or reproduced from the blob store alone. The batch goes
 * through the artifact upload pool. A pipeline without a package (or
 * without a blob store) has nothing to anchor the archive to and skips
 * it.
 */
func (p *Pipeline) archiveManifests(ctx context.Context, dag *compile.CompiledDAG, kinds ...types.ManifestKind) error {
	if p.blob == nil || p.packageSHA == "" {
		return nil
	}
	emitter := p.emitter()
	artifacts := make(map[string][]byte, len(kinds))
	for _, kind := range kinds {
		raw, err := emitter.Emit(dag, kind)
		if err != nil {
			return errors.Trace(err)
		}
		artifacts[p.packageSHA+"/manifests/"+strings.ToLower(string(kind))+".yaml"] = raw
	}
	_, err := packager.UploadArtifacts(ctx, p.blob, artifacts)
	return errors.Annotatef(err, "archive manifests")
}

func (p *Pipeline) compileDAG() (*compile.CompiledDAG, error) {
	components, err := compile.NewComponentBuilder(p.graph, p.opts.BaseImage).BuildAll()
	if err != nil {
		return nil, errors.Trace(err)
	}
	handlers, err := compile.BuildExitHandlers(p.graph, p.opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dag, err := compile.NewCompiler(p.graph, components, p.opts, p.packageURL).Compile(handlers)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dag, err = compile.Weave(dag, handlers)
	return dag, errors.Trace(err)
}

func (p *Pipeline) emitter() *compile.Emitter {
	return compile.NewEmitter(p.opts, p.cfg.ServiceAccount, p.cfg.OwnershipService, p.cfg.OwnershipTeam)
}
