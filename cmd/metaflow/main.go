package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/v-shavyaa/metaflow"
	"github.com/v-shavyaa/metaflow/graph"
	"github.com/v-shavyaa/metaflow/types"
	"github.com/v-shavyaa/metaflow/utils"
)

const usage = `usage: metaflow <command> [flags]

commands:
  run      compile the flow and submit a one-off workflow
  create   publish the flow as a workflow template (plus cron schedule when configured)
  trigger  start a run of a previously published template
  history  list recorded deployments of the flow

run "metaflow <command> -h" for command flags.
`

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "create":
		err = createCmd(os.Args[2:])
	case "trigger":
		err = triggerCmd(os.Args[2:])
	case "history":
		err = historyCmd(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

// commonFlags are the pipeline options shared by run and create.
type commonFlags struct {
	flowPath      string
	flowDir       string
	name          string
	experiment    string
	tags          stringList
	sysTags       stringList
	namespace     string
	userNamespace string
	image         string
	parallelism   int
	timeout       int
	concurrency   int
	ttl           int
	noPackage     bool

	notify          bool
	notifyOnError   string
	notifyOnSuccess string
	sqsURL          string
	sqsRoleARN      string

	yamlOnly     bool
	pipelinePath string
}

type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.flowPath, "flow", "flow.yaml", "path to the flow definition")
	fs.StringVar(&c.flowDir, "flow-dir", ".", "directory packaged for task containers")
	fs.StringVar(&c.name, "name", "", "workflow name (defaults to the flow name)")
	fs.StringVar(&c.experiment, "experiment", "", "experiment label")
	fs.Var(&c.tags, "tag", "tag label, repeatable, name or name:value")
	fs.Var(&c.sysTags, "sys-tag", "system tag label, repeatable")
	fs.StringVar(&c.namespace, "namespace", "", "kubernetes namespace")
	fs.StringVar(&c.userNamespace, "user-namespace", "", "metaflow user namespace passed to step containers")
	fs.StringVar(&c.image, "base-image", "", "container image for steps without an explicit one")
	fs.IntVar(&c.parallelism, "max-parallelism", 0, "max pods running in parallel within one run")
	fs.IntVar(&c.timeout, "workflow-timeout", 0, "workflow deadline in seconds, 0 for none")
	fs.IntVar(&c.concurrency, "max-run-concurrency", 0, "max concurrent runs of this workflow")
	fs.IntVar(&c.ttl, "ttl-seconds", 0, "retention after completion in seconds")
	fs.BoolVar(&c.noPackage, "no-code-package", false, "skip packaging and uploading the flow directory")
	fs.BoolVar(&c.notify, "notify", false, "send a notification email when the run finishes")
	fs.StringVar(&c.notifyOnError, "notify-on-error", "", "notification address for failed runs, implies -notify")
	fs.StringVar(&c.notifyOnSuccess, "notify-on-success", "", "notification address for successful runs, implies -notify")
	fs.StringVar(&c.sqsURL, "sqs-url-on-error", "", "dead letter queue URL for failed runs")
	fs.StringVar(&c.sqsRoleARN, "sqs-role-arn-on-error", "", "IAM role assumed to post to the dead letter queue")
	fs.BoolVar(&c.yamlOnly, "yaml-only", false, "write the manifest instead of talking to the cluster")
	fs.StringVar(&c.pipelinePath, "pipeline-path", "", "output path, required with -yaml-only")
}

func (c *commonFlags) options() []types.PipelineOption {
	opts := []types.PipelineOption{types.WithFlowDir(c.flowDir)}
	if c.name != "" {
		opts = append(opts, types.WithName(c.name))
	}
	if c.experiment != "" {
		opts = append(opts, types.WithExperiment(c.experiment))
	}
	if len(c.tags) > 0 {
		opts = append(opts, types.WithTags(c.tags...))
	}
	if len(c.sysTags) > 0 {
		opts = append(opts, types.WithSysTags(c.sysTags...))
	}
	if c.namespace != "" {
		opts = append(opts, types.WithKubernetesNamespace(c.namespace))
	}
	if c.userNamespace != "" {
		opts = append(opts, types.WithUserNamespace(c.userNamespace))
	}
	if c.image != "" {
		opts = append(opts, types.WithBaseImage(c.image))
	}
	if c.parallelism > 0 {
		opts = append(opts, types.WithMaxParallelism(c.parallelism))
	}
	if c.timeout > 0 {
		opts = append(opts, types.WithWorkflowTimeout(c.timeout))
	}
	if c.concurrency > 0 {
		opts = append(opts, types.WithMaxRunConcurrency(c.concurrency))
	}
	if c.ttl > 0 {
		opts = append(opts, types.WithTTLSecondsAfterCompletion(c.ttl))
	}
	if c.noPackage {
		opts = append(opts, types.DisableS3CodePackage())
	}
	if c.notify || c.notifyOnError != "" || c.notifyOnSuccess != "" {
		opts = append(opts, types.WithNotify(c.notifyOnError, c.notifyOnSuccess))
	}
	if c.sqsURL != "" {
		opts = append(opts, types.WithSQSDeadLetter(c.sqsURL, c.sqsRoleARN))
	}
	return opts
}

func loadPipeline(c *commonFlags) (*metaflow.Pipeline, error) {
	g, err := graph.Load(c.flowPath)
	if err != nil {
		return nil, err
	}
	return metaflow.New(g, c.options()...)
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	common := &commonFlags{}
	common.register(fs)
	wait := fs.Bool("wait", false, "block until the run completes")
	waitTimeout := fs.Duration("wait-timeout", 0, "max time to wait with -wait, 0 for none")
	runIDFile := fs.String("run-id-file", "", "write the run name to this file")
	kind := fs.String("kind", string(types.KindWorkflow), "manifest kind for -yaml-only (Workflow or ConfigMap)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pipeline, err := loadPipeline(common)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	if common.yamlOnly {
		manifestKind := types.ManifestKind(*kind)
		if manifestKind != types.KindWorkflow && manifestKind != types.KindConfigMap {
			return errors.BadRequestf("run -yaml-only emits Workflow or ConfigMap, not %s", *kind)
		}
		return writeManifest(pipeline, manifestKind, common.pipelinePath)
	}

	ctx := context.Background()
	if err := pipeline.Connect(ctx); err != nil {
		return err
	}
	runName, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(runName)

	if *runIDFile != "" {
		if err := os.WriteFile(*runIDFile, []byte(runName+"\n"), 0644); err != nil {
			return err
		}
	}

	if *wait {
		phase, err := pipeline.Wait(ctx, runName, *waitTimeout)
		if err != nil {
			return err
		}
		log.Infof("run %s finished with phase %s", runName, phase)
		if phase != "Succeeded" {
			os.Exit(1)
		}
	}
	return nil
}

func createCmd(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	common := &commonFlags{}
	common.register(fs)
	cron := fs.String("cron", "", "recurring run schedule in cron syntax")
	enable := fs.Bool("enable-cron", false, "enable the recurring run")
	policy := fs.String("concurrency-policy", "", "recurring run policy: Allow, Forbid or Replace")
	kind := fs.String("kind", string(types.KindWorkflowTemplate), "manifest kind for -yaml-only")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := common.options()
	if *cron != "" || *enable {
		opts = append(opts, types.WithRecurringRun(*cron, types.ConcurrencyPolicy(*policy), *enable))
	}

	g, err := graph.Load(common.flowPath)
	if err != nil {
		return err
	}
	pipeline, err := metaflow.New(g, opts...)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	if common.yamlOnly {
		return writeManifest(pipeline, types.ManifestKind(*kind), common.pipelinePath)
	}

	ctx := context.Background()
	if err := pipeline.Connect(ctx); err != nil {
		return err
	}
	name, err := pipeline.Deploy(ctx)
	if err != nil {
		return err
	}
	fmt.Println(name)
	return nil
}

func triggerCmd(args []string) error {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	common := &commonFlags{}
	common.register(fs)
	template := fs.String("template", "", "template name (defaults to the workflow name)")
	params := stringList{}
	fs.Var(&params, "param", "run parameter, repeatable, name=value")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pipeline, err := loadPipeline(common)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	parameters := map[string]string{}
	for _, p := range params {
		name, value, found := strings.Cut(p, "=")
		if !found {
			return errors.BadRequestf("parameter %q is not name=value", p)
		}
		parameters[name] = value
	}

	ctx := context.Background()
	if err := pipeline.Connect(ctx); err != nil {
		return err
	}
	name := *template
	if name == "" {
		name = defaultTemplateName(common)
	}
	runName, err := pipeline.Trigger(ctx, name, parameters)
	if err != nil {
		return err
	}
	fmt.Println(runName)
	return nil
}

func historyCmd(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	common := &commonFlags{}
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	pipeline, err := loadPipeline(common)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	deployments, err := pipeline.History(context.Background())
	if err != nil {
		return err
	}
	for _, d := range deployments {
		run := d.RunName
		if run == "" {
			run = "-"
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
			d.CreatedAt.Format(time.RFC3339), d.Kind, d.Name, run, d.SHA)
	}
	return nil
}

func writeManifest(pipeline *metaflow.Pipeline, kind types.ManifestKind, path string) error {
	if path == "" {
		return errors.BadRequestf("-yaml-only needs -pipeline-path")
	}
	return pipeline.WriteManifest(kind, path)
}

// defaultTemplateName mirrors how the emitter names a published
// template when no explicit name is given.
func defaultTemplateName(c *commonFlags) string {
	if c.name != "" {
		return utils.SanitizeName(c.name)
	}
	g, err := graph.Load(c.flowPath)
	if err != nil {
		return ""
	}
	return utils.SanitizeName(g.FlowName())
}
