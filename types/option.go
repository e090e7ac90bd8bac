package types

import (
	"context"

	"github.com/mcuadros/go-defaults"
)

func NewPipelineOptions() *PipelineOptions {
	opts := &PipelineOptions{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	return opts
}

type PipelineOptions struct {
	Ctx context.Context

	// Workflow name; defaults to the flow name when empty.
	Name       string
	Experiment string
	Tags       []string
	SysTags    []string

	// Metaflow user namespace (production token), not kubernetes.
	UserNamespace       string
	KubernetesNamespace string `default:"default"`

	BaseImage string
	// directory packaged and uploaded for remote task containers
	FlowDir string `default:"."`
	/**
	 * default: true
	 * package the flow working directory and upload it to the blob
	 * store; when false the containers cd into the flow directory
	 * instead (local images baked with the code).
	 */
	S3CodePackage bool `default:"true"`

	/**
	 * default: 10
	 * maximum number of pods running in parallel within a single run.
	 */
	MaxParallelism int `default:"10"`
	// 0 means unlimited; seconds.
	WorkflowTimeout int
	/**
	 * default: 10
	 * maximum number of concurrent runs of this workflow, enforced by
	 * the engine through a semaphore config map. <= 0 at manifest
	 * write time is a configuration error.
	 */
	MaxRunConcurrency int `default:"10"`
	// 0 leaves retention to the engine defaults; seconds.
	TTLSecondsAfterCompletion int

	Notify          bool
	NotifyOnError   string
	NotifyOnSuccess string

	SQSURLOnError     string
	SQSRoleARNOnError string

	RecurringRunEnable bool
	RecurringRunCron   string
	RecurringRunPolicy ConcurrencyPolicy `default:"Allow"`

	Username string

	/**
	 * default: false, only set it to true when doing testing or developing.
	 */
	MemLedger bool `default:"false"`

	// PostgreSQL ledger configuration
	// If both MemLedger and PostgresConfig are set, PostgresConfig takes precedence
	PostgresConfig *PostgresConfig
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

type PipelineOption func(*PipelineOptions)

func WithContext(ctx context.Context) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.Ctx = ctx
	}
}

func WithName(name string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.Name = name
	}
}

func WithExperiment(experiment string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.Experiment = experiment
	}
}

func WithTags(tags ...string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.Tags = append(opts.Tags, tags...)
	}
}

func WithSysTags(tags ...string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.SysTags = append(opts.SysTags, tags...)
	}
}

func WithUserNamespace(namespace string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.UserNamespace = namespace
	}
}

func WithKubernetesNamespace(namespace string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.KubernetesNamespace = namespace
	}
}

func WithBaseImage(image string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.BaseImage = image
	}
}

func WithFlowDir(dir string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.FlowDir = dir
	}
}

func DisableS3CodePackage() PipelineOption {
	return func(opts *PipelineOptions) {
		opts.S3CodePackage = false
	}
}

func WithMaxParallelism(n int) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.MaxParallelism = n
	}
}

func WithWorkflowTimeout(seconds int) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.WorkflowTimeout = seconds
	}
}

func WithMaxRunConcurrency(n int) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.MaxRunConcurrency = n
	}
}

func WithTTLSecondsAfterCompletion(seconds int) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.TTLSecondsAfterCompletion = seconds
	}
}

func WithNotify(onError, onSuccess string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.Notify = true
		opts.NotifyOnError = onError
		opts.NotifyOnSuccess = onSuccess
	}
}

func WithSQSDeadLetter(url, roleARN string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.SQSURLOnError = url
		opts.SQSRoleARNOnError = roleARN
	}
}

func WithRecurringRun(cron string, policy ConcurrencyPolicy, enable bool) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.RecurringRunCron = cron
		if policy != "" {
			opts.RecurringRunPolicy = policy
		}
		opts.RecurringRunEnable = enable
	}
}

func WithUsername(username string) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.Username = username
	}
}

func EnableMemLedger() PipelineOption {
	return func(opts *PipelineOptions) {
		opts.MemLedger = true
	}
}

// WithPostgresConfig stores deployment history in PostgreSQL
func WithPostgresConfig(config *PostgresConfig) PipelineOption {
	return func(opts *PipelineOptions) {
		opts.PostgresConfig = config
	}
}
