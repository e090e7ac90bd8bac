package compile

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/v-shavyaa/metaflow/argo"
	"github.com/v-shavyaa/metaflow/types"
)

const (
	S3SensorTaskName = "s3-sensor"

	s3SensorOutputPath = "/tmp/outputs/path/data"
	s3SensorRetries    = 7

	defaultSensorTimeoutSeconds = 3600
	defaultSensorPollingSeconds = 300
	sensorCPURequest            = "0.5"
	sensorMemoryRequest         = "200M"
)

/**
 * s3SensorSpec is the flow level s3_sensor decorator: the run is gated
 * on an object appearing under path before timeoutSeconds elapse,
 * polled every pollingIntervalSeconds. formatter, when set, is a
 * container command invoked to rewrite path from the flow parameters;
 * it is a referenced executable, never shipped as serialized code.
 */
type s3SensorSpec struct {
	path                   string
	timeoutSeconds         int
	pollingIntervalSeconds int
	formatter              []string
	osExpandVars           bool
}

// s3SensorFromGraph reads the flow level sensor decorator, if any.
func s3SensorFromGraph(graph *types.Graph) (*s3SensorSpec, error) {
	deco, found := graph.FindDecorator(types.DecoratorS3Sensor)
	if !found {
		return nil, nil
	}

	spec := &s3SensorSpec{
		timeoutSeconds:         defaultSensorTimeoutSeconds,
		pollingIntervalSeconds: defaultSensorPollingSeconds,
	}
	spec.path, _ = deco.Attributes.GetString("path")
	if spec.path == "" {
		return nil, errors.BadRequestf("s3_sensor decorator needs a path")
	}
	if v, exists := deco.Attributes.GetInt("timeout_seconds"); exists {
		spec.timeoutSeconds = v
	}
	if v, exists := deco.Attributes.GetInt("polling_interval_seconds"); exists {
		spec.pollingIntervalSeconds = v
	}
	spec.formatter, _ = deco.Attributes.GetStringSlice("path_formatter")
	if v, exists := deco.Attributes.GetBool("os_expandvars"); exists {
		spec.osExpandVars = v
	}
	return spec, nil
}

/**
 * compileS3Sensor emits the sensor task the start step waits on. The
 * sensor runs in the entrypoint scope with no dependencies of its own
 * and surfaces the resolved object path as an output parameter.
 */
func (c *Compiler) compileS3Sensor(sc *scope) (*argo.DAGTask, error) {
	spec, err := s3SensorFromGraph(c.graph)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if spec == nil {
		return nil, nil
	}
	if err := c.claimName(S3SensorTaskName); err != nil {
		return nil, errors.Trace(err)
	}

	c.dag.Templates = append(c.dag.Templates, s3SensorTemplate(spec, c.opts.BaseImage, c.env))

	task := &argo.DAGTask{Name: S3SensorTaskName, Template: S3SensorTaskName}
	sc.addTask(task)
	return task, nil
}

// s3SensorTemplate renders the sensor container. The sensor only polls
// the blob store, so it runs on minimal resources regardless of what
// the flow's steps request.
func s3SensorTemplate(spec *s3SensorSpec, image string, env commandEnv) *argo.Template {
	return &argo.Template{
		Name: S3SensorTaskName,
		Container: &corev1.Container{
			Name:    "main",
			Image:   image,
			Command: s3SensorCommand(spec, env),
			Resources: corev1.ResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse(sensorCPURequest),
					corev1.ResourceMemory: resource.MustParse(sensorMemoryRequest),
				},
				Limits: corev1.ResourceList{
					corev1.ResourceMemory: resource.MustParse(sensorMemoryRequest),
				},
			},
		},
		Metadata: &argo.Metadata{
			Labels: map[string]string{istioInjectLabel: "false"},
		},
		Outputs: &argo.Outputs{Parameters: []argo.Parameter{
			{Name: "path", ValueFrom: &argo.ValueFrom{Path: s3SensorOutputPath}},
		}},
		RetryStrategy: &argo.RetryStrategy{
			Limit:       s3SensorRetries,
			RetryPolicy: "Always",
		},
	}
}

func s3SensorCommand(spec *s3SensorSpec, env commandEnv) []string {
	args := []string{
		runnerEntrypoint, "s3-sensor",
		"--flow_name", env.flowName,
		"--run_id", runIDExpr,
		"--flow_parameters_json", "'{{workflow.parameters}}'",
		"--path", spec.path,
		"--timeout_seconds", strconv.Itoa(spec.timeoutSeconds),
		"--polling_interval_seconds", strconv.Itoa(spec.pollingIntervalSeconds),
	}
	if len(spec.formatter) > 0 {
		args = append(args, "--path_formatter", strings.Join(spec.formatter, " "))
	}
	if spec.osExpandVars {
		args = append(args, "--os_expandvars")
	}

	script := packageCommands(env.packageURL) + " && " + strings.Join(args, " ")
	return []string{"bash", "-ec", script}
}
