package compile

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/juju/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/v-shavyaa/metaflow/argo"
	"github.com/v-shavyaa/metaflow/types"
	"github.com/v-shavyaa/metaflow/utils"
)

const (
	publicKeyPrefix    = "metaflow.org"
	ownershipKeyPrefix = "zodiac.zillowgroup.net"

	concurrencyConfigKey  = "max_run_concurrency"
	defaultServiceAccount = "default-editor"
	// Day of month 0 never occurs, so an enabled-but-unconfigured
	// schedule stays dormant instead of firing.
	neverFiringSchedule = "* * 0 * *"

	maxLabelLength = 63
)

var labelValuePattern = regexp.MustCompile(`^(([A-Za-z0-9][-A-Za-z0-9_.]*)?[A-Za-z0-9])?$`)

/**
 * Emitter serializes a compiled DAG into the wire documents the
 * orchestration engine consumes. Internal bookkeeping keys are
 * stripped before the public label set is applied; workflow level
 * policy (parallelism, timeout, retention, run concurrency semaphore)
 * comes from the pipeline options.
 */
type Emitter struct {
	opts           *types.PipelineOptions
	serviceAccount string
	ownerService   string
	ownerTeam      string
}

func NewEmitter(opts *types.PipelineOptions, serviceAccount, ownerService, ownerTeam string) *Emitter {
	if serviceAccount == "" {
		serviceAccount = defaultServiceAccount
	}
	return &Emitter{
		opts:           opts,
		serviceAccount: serviceAccount,
		ownerService:   ownerService,
		ownerTeam:      ownerTeam,
	}
}

// Emit renders one manifest kind as YAML.
func (e *Emitter) Emit(dag *CompiledDAG, kind types.ManifestKind) ([]byte, error) {
	var doc any
	var err error
	switch kind {
	case types.KindWorkflow:
		doc, err = e.Workflow(dag)
	case types.KindWorkflowTemplate:
		doc, err = e.WorkflowTemplate(dag)
	case types.KindCronWorkflow:
		doc, err = e.CronWorkflow(dag)
	case types.KindConfigMap:
		doc, err = e.ConfigMap(dag)
	default:
		return nil, errors.NotImplementedf("output kind %s", kind)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := yaml.Marshal(doc)
	return raw, errors.Trace(err)
}

/**
 * Workflow renders the single-run document. The name stays a
 * generateName so repeated runs coexist, and no service account is
 * pinned; admission webhooks supply one per namespace.
 */
func (e *Emitter) Workflow(dag *CompiledDAG) (*argo.Workflow, error) {
	wf, err := e.workflowDoc(dag)
	if err != nil {
		return nil, errors.Trace(err)
	}
	wf.Kind = string(types.KindWorkflow)
	wf.Metadata.GenerateName = e.workflowName(dag) + "-"
	return wf, nil
}

// WorkflowTemplate renders the published form: a static sanitized name
// so triggers can reference it, and an explicit service account.
func (e *Emitter) WorkflowTemplate(dag *CompiledDAG) (*argo.Workflow, error) {
	wf, err := e.workflowDoc(dag)
	if err != nil {
		return nil, errors.Trace(err)
	}
	wf.Kind = string(types.KindWorkflowTemplate)
	wf.Metadata.Name = e.workflowName(dag)
	wf.Spec.ServiceAccountName = e.serviceAccount
	return wf, nil
}

func (e *Emitter) CronWorkflow(dag *CompiledDAG) (*argo.CronWorkflow, error) {
	labels, err := e.flowLabels(dag.FlowName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	name := e.workflowName(dag)

	schedule := e.opts.RecurringRunCron
	if schedule == "" {
		schedule = neverFiringSchedule
	}
	spec := argo.CronWorkflowSpec{
		Schedule:          schedule,
		ConcurrencyPolicy: string(e.opts.RecurringRunPolicy),
		Suspend:           !e.opts.RecurringRunEnable,
		WorkflowSpec: argo.WorkflowSpec{
			WorkflowTemplateRef: &argo.WorkflowTemplateRef{Name: name},
		},
	}
	if len(dag.Parameters) > 0 {
		spec.WorkflowSpec.Arguments = &argo.Arguments{Parameters: dag.Parameters}
	}
	return &argo.CronWorkflow{
		APIVersion: argo.APIVersion,
		Kind:       string(types.KindCronWorkflow),
		Metadata:   metav1.ObjectMeta{Name: name, Labels: labels},
		Spec:       spec,
	}, nil
}

// ConfigMap renders the externally maintained run concurrency counter
// the workflow semaphore references.
func (e *Emitter) ConfigMap(dag *CompiledDAG) (*corev1.ConfigMap, error) {
	if e.opts.MaxRunConcurrency <= 0 {
		return nil, errors.BadRequestf("max run concurrency %d must be > 0", e.opts.MaxRunConcurrency)
	}
	return &corev1.ConfigMap{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: string(types.KindConfigMap)},
		ObjectMeta: metav1.ObjectMeta{Name: e.workflowName(dag)},
		Data:       map[string]string{concurrencyConfigKey: strconv.Itoa(e.opts.MaxRunConcurrency)},
	}, nil
}

func (e *Emitter) workflowName(dag *CompiledDAG) string {
	if e.opts.Name != "" {
		return utils.SanitizeName(e.opts.Name)
	}
	return dag.WorkflowName
}

func (e *Emitter) workflowDoc(dag *CompiledDAG) (*argo.Workflow, error) {
	labels, err := e.flowLabels(dag.FlowName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	spec := argo.WorkflowSpec{
		Entrypoint: dag.Entrypoint,
		OnExit:     dag.OnExit,
		Templates:  e.renderTemplates(dag, labels),
	}
	if len(dag.Parameters) > 0 {
		spec.Arguments = &argo.Arguments{Parameters: dag.Parameters}
	}
	if e.opts.MaxParallelism > 0 {
		parallelism := int64(e.opts.MaxParallelism)
		spec.Parallelism = &parallelism
	}
	if e.opts.WorkflowTimeout > 0 {
		deadline := int64(e.opts.WorkflowTimeout)
		spec.ActiveDeadlineSeconds = &deadline
	}
	if e.opts.TTLSecondsAfterCompletion > 0 {
		ttl := int32(e.opts.TTLSecondsAfterCompletion)
		spec.TTLStrategy = &argo.TTLStrategy{SecondsAfterCompletion: &ttl}
	}
	if e.opts.MaxRunConcurrency > 0 {
		spec.Synchronization = &argo.Synchronization{
			Semaphore: &argo.SemaphoreRef{
				ConfigMapKeyRef: &corev1.ConfigMapKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: e.workflowName(dag)},
					Key:                  concurrencyConfigKey,
				},
			},
		}
	}

	return &argo.Workflow{
		APIVersion: argo.APIVersion,
		Kind:       string(types.KindWorkflow),
		Metadata:   metav1.ObjectMeta{Labels: labels},
		Spec:       spec,
	}, nil
}

/**
 * renderTemplates copies the compiled templates, drops every label and
 * annotation under the internal bookkeeping prefix, and re-applies the
 * flow's public label set plus the step annotations to each pod.
 */
func (e *Emitter) renderTemplates(dag *CompiledDAG, labels map[string]string) []argo.Template {
	templates := make([]argo.Template, 0, len(dag.Templates))
	for _, src := range dag.Templates {
		tmpl := *src
		if tmpl.Metadata != nil {
			meta := argo.Metadata{
				Annotations: stripInternalKeys(tmpl.Metadata.Annotations),
				Labels:      stripInternalKeys(tmpl.Metadata.Labels),
			}
			for key, value := range labels {
				meta.Labels[key] = value
			}
			if tmpl.Container != nil {
				meta.Annotations[publicKeyPrefix+"/step"] = tmpl.Name
				meta.Annotations[publicKeyPrefix+"/run_id"] = runIDExpr
			}
			tmpl.Metadata = &meta
		}
		templates = append(templates, tmpl)
	}
	return templates
}

func stripInternalKeys(m map[string]string) map[string]string {
	kept := make(map[string]string, len(m))
	for key, value := range m {
		if strings.HasPrefix(key, InternalKeyPrefix) {
			continue
		}
		kept[key] = value
	}
	return kept
}

/**
 * flowLabels is the fixed public label set: flow identity, experiment,
 * tag derived entries, ownership and product classification. Tag
 * labels are validated against the cluster's label value rules here,
 * before any manifest bytes exist.
 */
func (e *Emitter) flowLabels(flowName string) (map[string]string, error) {
	labels := map[string]string{
		publicKeyPrefix + "/flow_name": flowName,
	}
	if e.opts.Experiment != "" {
		labels[publicKeyPrefix+"/experiment"] = e.opts.Experiment
	}

	allTags := append(append([]string{}, e.opts.Tags...), e.opts.SysTags...)
	for _, tag := range allTags {
		name, value := tag, "true"
		if idx := strings.Index(tag, ":"); idx >= 0 {
			name, value = tag[:idx], tag[idx+1:]
		}
		key := publicKeyPrefix + "/tag_" + name
		if len(key) > maxLabelLength {
			return nil, errors.BadRequestf("tag name %s must be no more than %d characters", key, maxLabelLength)
		}
		if len(value) > maxLabelLength {
			return nil, errors.BadRequestf("tag value %s must be no more than %d characters", value, maxLabelLength)
		}
		if !labelValuePattern.MatchString(value) {
			return nil, errors.BadRequestf("tag %s value %s must consist of alphanumeric characters, '-', '_' or '.', and must start and end with an alphanumeric character", key, value)
		}
		labels[key] = value
	}

	if e.opts.Username != "" {
		owner := e.opts.Username
		if idx := strings.Index(owner, "@"); idx >= 0 {
			owner = owner[:idx]
		}
		labels[ownershipKeyPrefix+"/owner"] = owner
	}
	if e.ownerService != "" && e.ownerTeam != "" {
		labels[ownershipKeyPrefix+"/service"] = e.ownerService
		labels[ownershipKeyPrefix+"/team"] = e.ownerTeam
	}
	labels[ownershipKeyPrefix+"/product"] = "batch"
	return labels, nil
}
