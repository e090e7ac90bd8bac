package argo

import (
	"context"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/v-shavyaa/metaflow/utils"
)

var (
	workflowResource         = schema.GroupVersionResource{Group: "argoproj.io", Version: "v1alpha1", Resource: "workflows"}
	workflowTemplateResource = schema.GroupVersionResource{Group: "argoproj.io", Version: "v1alpha1", Resource: "workflowtemplates"}
	cronWorkflowResource     = schema.GroupVersionResource{Group: "argoproj.io", Version: "v1alpha1", Resource: "cronworkflows"}
)

/**
 * Client talks to the cluster control plane for the manifest kinds the
 * compiler emits. Argo CRDs go through the dynamic client, ConfigMaps
 * through the typed clientset.
 */
type Client struct {
	dyn       dynamic.Interface
	clientset kubernetes.Interface
	namespace string
}

func NewClient(kubeconfig, namespace string) (*Client, error) {
	restCfg, err := buildRestConfig(kubeconfig)
	if err != nil {
		return nil, errors.Annotatef(err, "build rest config")
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Client{dyn: dyn, clientset: clientset, namespace: namespace}, nil
}

// buildRestConfig prefers an explicit kubeconfig and falls back to the
// in-cluster service account.
func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
	}
	return rest.InClusterConfig()
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) GetTemplate(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	tmpl, err := c.dyn.Resource(workflowTemplateResource).Namespace(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil, errors.NotFoundf("workflow template %s", name)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return tmpl, nil
}

// CreateTemplate publishes a WorkflowTemplate, replacing any previous
// version of the same name.
func (c *Client) CreateTemplate(ctx context.Context, wf *Workflow) error {
	obj, err := toUnstructured(wf)
	if err != nil {
		return errors.Trace(err)
	}
	templates := c.dyn.Resource(workflowTemplateResource).Namespace(c.namespace)

	_, err = templates.Create(ctx, obj, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		existing, getErr := templates.Get(ctx, wf.Metadata.Name, metav1.GetOptions{})
		if getErr != nil {
			return errors.Trace(getErr)
		}
		obj.SetResourceVersion(existing.GetResourceVersion())
		_, err = templates.Update(ctx, obj, metav1.UpdateOptions{})
	}
	if err != nil {
		return errors.Trace(err)
	}
	log.Infof("published workflow template %s", wf.Metadata.Name)
	return nil
}

func (c *Client) ApplyCronWorkflow(ctx context.Context, cron *CronWorkflow) error {
	obj, err := toUnstructured(cron)
	if err != nil {
		return errors.Trace(err)
	}
	crons := c.dyn.Resource(cronWorkflowResource).Namespace(c.namespace)

	_, err = crons.Create(ctx, obj, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		existing, getErr := crons.Get(ctx, cron.Metadata.Name, metav1.GetOptions{})
		if getErr != nil {
			return errors.Trace(getErr)
		}
		obj.SetResourceVersion(existing.GetResourceVersion())
		_, err = crons.Update(ctx, obj, metav1.UpdateOptions{})
	}
	return errors.Trace(err)
}

func (c *Client) ApplyConfigMap(ctx context.Context, cm *corev1.ConfigMap) error {
	_, err := c.clientset.CoreV1().ConfigMaps(c.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		_, err = c.clientset.CoreV1().ConfigMaps(c.namespace).Update(ctx, cm, metav1.UpdateOptions{})
	}
	return errors.Trace(err)
}

// Run submits a Workflow and returns the generated run name.
func (c *Client) Run(ctx context.Context, wf *Workflow) (string, error) {
	obj, err := toUnstructured(wf)
	if err != nil {
		return "", errors.Trace(err)
	}
	created, err := c.dyn.Resource(workflowResource).Namespace(c.namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return "", errors.Trace(err)
	}
	log.Infof("submitted workflow %s", created.GetName())
	return created.GetName(), nil
}

// TriggerTemplate starts a run of a previously published template.
func (c *Client) TriggerTemplate(ctx context.Context, name string, parameters map[string]string) (string, error) {
	if _, err := c.GetTemplate(ctx, name); err != nil {
		return "", errors.Trace(err)
	}

	arguments := &Arguments{}
	for _, key := range utils.SortedKeys(parameters) {
		arguments.Parameters = append(arguments.Parameters, Parameter{Name: key, Value: parameters[key]})
	}
	wf := &Workflow{
		APIVersion: APIVersion,
		Kind:       "Workflow",
		Metadata: metav1.ObjectMeta{
			GenerateName: name + "-",
			Namespace:    c.namespace,
		},
		Spec: WorkflowSpec{
			WorkflowTemplateRef: &WorkflowTemplateRef{Name: name},
			Arguments:           arguments,
		},
	}
	return c.Run(ctx, wf)
}

// WaitForCompletion polls the workflow until it reaches a terminal
// phase or ctx expires. The last observed phase is returned either way.
func (c *Client) WaitForCompletion(ctx context.Context, name string, interval time.Duration) (string, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	phase := PhasePending
	for {
		wf, err := c.dyn.Resource(workflowResource).Namespace(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return phase, errors.Trace(err)
		}
		if phase, _, err = unstructured.NestedString(wf.Object, "status", "phase"); err != nil {
			return phase, errors.Trace(err)
		}
		if PhaseCompleted(phase) {
			return phase, nil
		}
		log.Debugf("workflow %s phase %s", name, phase)

		select {
		case <-ctx.Done():
			return phase, errors.Annotatef(ctx.Err(), "waiting for workflow %s", name)
		case <-ticker.C:
		}
	}
}

func toUnstructured(obj any) (*unstructured.Unstructured, error) {
	content, err := k8sruntime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &unstructured.Unstructured{Object: content}, nil
}
