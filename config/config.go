package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/mcuadros/go-defaults"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

/**
 * Config is the environment-driven side of the system: cluster
 * coordinates, blob store location and deployment defaults. Everything
 * here is METAFLOW_* environment, optionally seeded from a .env file;
 * per-invocation knobs live in types.PipelineOptions instead.
 */
type Config struct {
	KubernetesNamespace string `default:"default"`
	Kubeconfig          string
	ServiceAccount      string `default:"default-editor"`
	ArgoUIURL           string

	BaseImage string `default:"metaflow/runtime:latest"`

	S3Bucket    string
	S3Prefix    string `default:"packages"`
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	NotifyOnError   string
	NotifyOnSuccess string

	SQSURLOnError     string
	SQSRoleARNOnError string

	// ownership labels applied to every emitted manifest when both set
	OwnershipService string
	OwnershipTeam    string

	Username string

	PostgresDSN string
}

/**
 * Load reads configuration from the environment. envFile, when not
 * empty, is loaded first without overriding variables already present,
 * matching how a checked-in .env coexists with CI-provided settings.
 * A missing .env file is not an error.
 */
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Annotatef(err, "load %s", envFile)
			}
			log.Debugf("env file %s not found, using process environment", envFile)
		}
	}

	cfg := &Config{}
	defaults.SetDefaults(cfg)

	readString := func(key string, target *string) {
		if value := os.Getenv(key); value != "" {
			*target = cast.ToString(value)
		}
	}
	readString("METAFLOW_KUBERNETES_NAMESPACE", &cfg.KubernetesNamespace)
	readString("METAFLOW_KUBECONFIG", &cfg.Kubeconfig)
	readString("METAFLOW_SERVICE_ACCOUNT", &cfg.ServiceAccount)
	readString("METAFLOW_ARGO_UI_URL", &cfg.ArgoUIURL)
	readString("METAFLOW_BASE_IMAGE", &cfg.BaseImage)
	readString("METAFLOW_S3_BUCKET", &cfg.S3Bucket)
	readString("METAFLOW_S3_PREFIX", &cfg.S3Prefix)
	readString("METAFLOW_S3_REGION", &cfg.S3Region)
	readString("METAFLOW_S3_ENDPOINT", &cfg.S3Endpoint)
	readString("METAFLOW_S3_ACCESS_KEY", &cfg.S3AccessKey)
	readString("METAFLOW_S3_SECRET_KEY", &cfg.S3SecretKey)
	readString("METAFLOW_NOTIFY_ON_ERROR", &cfg.NotifyOnError)
	readString("METAFLOW_NOTIFY_ON_SUCCESS", &cfg.NotifyOnSuccess)
	readString("METAFLOW_SQS_URL_ON_ERROR", &cfg.SQSURLOnError)
	readString("METAFLOW_SQS_ROLE_ARN_ON_ERROR", &cfg.SQSRoleARNOnError)
	readString("METAFLOW_OWNERSHIP_SERVICE", &cfg.OwnershipService)
	readString("METAFLOW_OWNERSHIP_TEAM", &cfg.OwnershipTeam)
	readString("METAFLOW_USERNAME", &cfg.Username)
	readString("METAFLOW_POSTGRES_DSN", &cfg.PostgresDSN)

	if cfg.Username == "" {
		cfg.Username = os.Getenv("USER")
	}
	return cfg, nil
}
