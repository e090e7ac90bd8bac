package argo

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const APIVersion = "argoproj.io/v1alpha1"

/**
 * The structs below are the subset of the argoproj.io/v1alpha1 surface
 * this compiler emits. They carry json tags only; manifests are
 * rendered through sigs.k8s.io/yaml, which round-trips via json, so
 * the tags also fix the YAML field casing.
 */
type Workflow struct {
	APIVersion string            `json:"apiVersion"`
	Kind       string            `json:"kind"`
	Metadata   metav1.ObjectMeta `json:"metadata"`
	Spec       WorkflowSpec      `json:"spec"`
}

type WorkflowSpec struct {
	Entrypoint            string               `json:"entrypoint,omitempty"`
	OnExit                string               `json:"onExit,omitempty"`
	ServiceAccountName    string               `json:"serviceAccountName,omitempty"`
	Arguments             *Arguments           `json:"arguments,omitempty"`
	Templates             []Template           `json:"templates,omitempty"`
	Parallelism           *int64               `json:"parallelism,omitempty"`
	ActiveDeadlineSeconds *int64               `json:"activeDeadlineSeconds,omitempty"`
	TTLStrategy           *TTLStrategy         `json:"ttlStrategy,omitempty"`
	Synchronization       *Synchronization     `json:"synchronization,omitempty"`
	WorkflowTemplateRef   *WorkflowTemplateRef `json:"workflowTemplateRef,omitempty"`
}

type Arguments struct {
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Parameter doubles as input (Value set) and output (ValueFrom set).
type Parameter struct {
	Name      string     `json:"name"`
	Value     string     `json:"value,omitempty"`
	Default   string     `json:"default,omitempty"`
	ValueFrom *ValueFrom `json:"valueFrom,omitempty"`
}

type ValueFrom struct {
	Path      string `json:"path,omitempty"`
	JSONPath  string `json:"jsonPath,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

type Template struct {
	Name                  string              `json:"name"`
	Metadata              *Metadata           `json:"metadata,omitempty"`
	Inputs                *Inputs             `json:"inputs,omitempty"`
	Outputs               *Outputs            `json:"outputs,omitempty"`
	DAG                   *DAGTemplate        `json:"dag,omitempty"`
	Container             *corev1.Container   `json:"container,omitempty"`
	Resource              *ResourceTemplate   `json:"resource,omitempty"`
	NodeSelector          map[string]string   `json:"nodeSelector,omitempty"`
	Affinity              *corev1.Affinity    `json:"affinity,omitempty"`
	Tolerations           []corev1.Toleration `json:"tolerations,omitempty"`
	Volumes               []corev1.Volume     `json:"volumes,omitempty"`
	RetryStrategy         *RetryStrategy      `json:"retryStrategy,omitempty"`
	ActiveDeadlineSeconds *int64              `json:"activeDeadlineSeconds,omitempty"`
}

// Metadata is the pod metadata of one template, distinct from the
// workflow level metav1.ObjectMeta.
type Metadata struct {
	Annotations map[string]string `json:"annotations,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

type Inputs struct {
	Parameters []Parameter `json:"parameters,omitempty"`
}

type Outputs struct {
	Parameters []Parameter `json:"parameters,omitempty"`
}

type DAGTemplate struct {
	Tasks []DAGTask `json:"tasks,omitempty"`
}

type DAGTask struct {
	Name         string     `json:"name"`
	Template     string     `json:"template,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Arguments    *Arguments `json:"arguments,omitempty"`
	WithParam    string     `json:"withParam,omitempty"`
	When         string     `json:"when,omitempty"`
}

type RetryStrategy struct {
	Limit       int      `json:"limit,omitempty"`
	RetryPolicy string   `json:"retryPolicy,omitempty"`
	Backoff     *Backoff `json:"backoff,omitempty"`
}

type Backoff struct {
	Duration    string `json:"duration,omitempty"`
	Factor      int    `json:"factor,omitempty"`
	MaxDuration string `json:"maxDuration,omitempty"`
}

// ResourceTemplate drives kubectl-style resource creation from inside
// the workflow, used for per-step volume provisioning.
type ResourceTemplate struct {
	Action   string `json:"action"`
	Manifest string `json:"manifest,omitempty"`
}

type TTLStrategy struct {
	SecondsAfterCompletion *int32 `json:"secondsAfterCompletion,omitempty"`
}

type Synchronization struct {
	Semaphore *SemaphoreRef `json:"semaphore,omitempty"`
}

type SemaphoreRef struct {
	ConfigMapKeyRef *corev1.ConfigMapKeySelector `json:"configMapKeyRef,omitempty"`
}

type WorkflowTemplateRef struct {
	Name string `json:"name"`
}

type CronWorkflow struct {
	APIVersion string            `json:"apiVersion"`
	Kind       string            `json:"kind"`
	Metadata   metav1.ObjectMeta `json:"metadata"`
	Spec       CronWorkflowSpec  `json:"spec"`
}

/**
 * Suspend is always serialized: a paused schedule must show up as
 * `suspend: true` instead of disappearing from the manifest.
 */
type CronWorkflowSpec struct {
	Schedule          string       `json:"schedule"`
	ConcurrencyPolicy string       `json:"concurrencyPolicy,omitempty"`
	Suspend           bool         `json:"suspend"`
	WorkflowSpec      WorkflowSpec `json:"workflowSpec,omitempty"`
}

const (
	// WorkflowPhase values reported under status.phase.
	PhasePending   = "Pending"
	PhaseRunning   = "Running"
	PhaseSucceeded = "Succeeded"
	PhaseFailed    = "Failed"
	PhaseError     = "Error"
)

func PhaseCompleted(phase string) bool {
	switch phase {
	case PhaseSucceeded, PhaseFailed, PhaseError:
		return true
	}
	return false
}
