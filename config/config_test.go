package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	assert.NoError(t, err)

	assert.Equal(t, "default", cfg.KubernetesNamespace)
	assert.Equal(t, "default-editor", cfg.ServiceAccount)
	assert.Equal(t, "metaflow/runtime:latest", cfg.BaseImage)
	assert.Equal(t, "packages", cfg.S3Prefix)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("METAFLOW_KUBERNETES_NAMESPACE", "ml-pipelines")
	t.Setenv("METAFLOW_S3_BUCKET", "flow-packages")
	t.Setenv("METAFLOW_USERNAME", "jane@example.com")
	t.Setenv("METAFLOW_POSTGRES_DSN", "host=db port=5432 user=u password=p dbname=metaflow sslmode=disable")

	cfg, err := Load("")
	assert.NoError(t, err)

	assert.Equal(t, "ml-pipelines", cfg.KubernetesNamespace)
	assert.Equal(t, "flow-packages", cfg.S3Bucket)
	assert.Equal(t, "jane@example.com", cfg.Username)
	assert.Contains(t, cfg.PostgresDSN, "dbname=metaflow")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	assert.NoError(t, os.WriteFile(path, []byte("METAFLOW_ARGO_UI_URL=https://argo.example.com\n"), 0644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "https://argo.example.com", cfg.ArgoUIURL)

	os.Unsetenv("METAFLOW_ARGO_UI_URL")
}

func TestLoadMissingEnvFileTolerated(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.env"))
	assert.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestLoadUsernameFallsBackToUser(t *testing.T) {
	t.Setenv("METAFLOW_USERNAME", "")
	t.Setenv("USER", "shelldev")

	cfg, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, "shelldev", cfg.Username)
}
