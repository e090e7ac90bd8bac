package compile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/v-shavyaa/metaflow/types"
	"github.com/v-shavyaa/metaflow/utils"
)

const (
	runnerEntrypoint       = "metaflow-runner"
	runIDExpr              = "argo-{{workflow.uid}}"
	foreachSplitsParam     = "foreach-splits"
	foreachSplitsPath      = "/tmp/outputs/foreach_splits/data"
	splitIndexParam        = "split-index"
	hookOutputPathPattern  = "/tmp/outputs/%s/data"
	packageDownloadRetries = 5
)

// commandEnv is the per-compile context every container command shares.
type commandEnv struct {
	flowName   string
	packageURL string
	namespace  string
	username   string
}

/**
 * packageCommands is the bootstrap prefix of every task container: it
 * fetches the packaged user code from the blob store and unpacks it,
 * retrying the download a bounded number of times. The task command
 * proper is chained behind it with `&&`.
 */
func packageCommands(packageURL string) string {
	if packageURL == "" {
		return "echo 'No code package configured.'"
	}
	download := fmt.Sprintf(
		"i=0; until aws s3 cp %s job.tar >/dev/null; do "+
			"i=$((i+1)); if [ $i -gt %d ]; then echo 'Code package download failed.'; exit 1; fi; "+
			"echo 'Retrying code package download...'; sleep 2; done",
		packageURL, packageDownloadRetries)

	return strings.Join([]string{
		"set -e",
		"echo 'Setting up task environment.'",
		"mkdir -p metaflow && cd metaflow",
		download,
		"TAR_OPTIONS='--warning=no-timestamp' tar xf job.tar",
		"echo 'Task is starting.'",
	}, " && ")
}

/**
 * stepCommand renders the argv of one step container. hookExports are
 * the fields a successor's preceding hook consumes, which this step
 * must write to its declared output paths; hookParams are the input
 * parameters rebound from a preceding hook of the parent step.
 */
func stepCommand(node *types.Node, comp *types.Component, env commandEnv, hookExports, hookParams []string) []string {
	args := []string{
		runnerEntrypoint, "step",
		"--flow_name", env.flowName,
		"--step_name", node.Name,
		"--run_id", runIDExpr,
		"--task_id", comp.TaskID,
		"--retry_count", "{{retries}}",
		"--user_code_retries", strconv.Itoa(comp.Retry.UserCodeRetries),
		"--workflow_name", "{{workflow.name}}",
	}
	if env.namespace != "" {
		args = append(args, "--namespace", env.namespace)
	}
	if node.Name == types.StartNodeName {
		args = append(args, "--flow_parameters_json", "'{{workflow.parameters}}'")
	}
	if comp.IsSplitIndexed {
		args = append(args, "--passed_in_split_indexes", fmt.Sprintf("'{{inputs.parameters.%s}}'", splitIndexParam))
	}
	if node.IsForeach() {
		args = append(args, "--is_foreach", "--foreach_splits_path", foreachSplitsPath)
	}
	if node.IsJoin() {
		args = append(args, "--is_join_step")
	}
	if len(hookExports) > 0 {
		args = append(args, "--preceding_component_inputs", strings.Join(hookExports, ","))
	}
	for _, name := range hookParams {
		args = append(args, "--preceding_component_outputs", fmt.Sprintf("%s={{inputs.parameters.%s}}", name, name))
	}

	script := packageCommands(env.packageURL) + " && " + strings.Join(args, " ")
	return []string{"bash", "-ec", script}
}

// exitHandlerCommand renders the argv of an exit handler container.
// Flags are sorted so identical configurations emit identical argv.
func exitHandlerCommand(handler string, flags map[string]string, env commandEnv) []string {
	args := []string{
		runnerEntrypoint, "exit-handler",
		"--handler", handler,
		"--flow_name", env.flowName,
		"--run_id", runIDExpr,
		"--status", "{{workflow.status}}",
	}
	for _, key := range utils.SortedKeys(flags) {
		args = append(args, "--"+key, flags[key])
	}

	script := packageCommands(env.packageURL) + " && " + strings.Join(args, " ")
	return []string{"bash", "-ec", script}
}

func hookOutputPath(name string) string {
	return fmt.Sprintf(hookOutputPathPattern, name)
}
