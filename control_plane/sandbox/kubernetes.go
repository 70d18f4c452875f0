package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// KubernetesDriver runs each sandbox as a suspended batch Job that Start
// unsuspends. Code travels in a ConfigMap mounted read-only; pods get a
// restricted security context and no service account token.
type KubernetesDriver struct {
	client    kubernetes.Interface
	namespace string
}

func NewKubernetesDriver(namespace string) (*KubernetesDriver, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	return &KubernetesDriver{client: client, namespace: namespace}, nil
}

// NewKubernetesDriverFromClient wraps an existing clientset. Used by tests.
func NewKubernetesDriverFromClient(client kubernetes.Interface, namespace string) *KubernetesDriver {
	return &KubernetesDriver{client: client, namespace: namespace}
}

func (d *KubernetesDriver) jobName(evalID string) string {
	return "crucible-" + strings.ToLower(evalID)
}

func (d *KubernetesDriver) Create(ctx context.Context, spec Spec) (Handle, error) {
	profile, err := LookupProfile(spec.Language, nil)
	if err != nil {
		return Handle{}, err
	}

	limits := spec.Limits
	if limits.MemoryBytes == 0 {
		limits = profile.Limits
	}

	name := d.jobName(spec.EvalID)

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app": "crucible", "crucible/eval-id": spec.EvalID},
		},
		Data: map[string]string{profile.FileName: spec.Code},
	}
	if _, err := d.client.CoreV1().ConfigMaps(d.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		observability.SandboxFailures.WithLabelValues(BackendKubernetes, "create").Inc()
		return Handle{}, fmt.Errorf("create code configmap: %w", err)
	}

	suspend := true
	backoffLimit := int32(0)
	deadline := int64(spec.Timeout.Seconds()) + 60
	runAsNonRoot := true
	noEscalation := false
	readOnlyRoot := true
	noToken := false

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app": "crucible", "crucible/eval-id": spec.EvalID},
		},
		Spec: batchv1.JobSpec{
			Suspend:               &suspend,
			BackoffLimit:          &backoffLimit,
			ActiveDeadlineSeconds: &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": "crucible", "crucible/eval-id": spec.EvalID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:                corev1.RestartPolicyNever,
					AutomountServiceAccountToken: &noToken,
					Containers: []corev1.Container{{
						Name:    "sandbox",
						Image:   profile.Image,
						Command: profile.Command,
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceMemory: *resource.NewQuantity(limits.MemoryBytes, resource.BinarySI),
								corev1.ResourceCPU:    resource.MustParse(limits.CPUs),
							},
						},
						SecurityContext: &corev1.SecurityContext{
							RunAsNonRoot:             &runAsNonRoot,
							AllowPrivilegeEscalation: &noEscalation,
							ReadOnlyRootFilesystem:   &readOnlyRoot,
							Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
							SeccompProfile:           &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
						},
						VolumeMounts: []corev1.VolumeMount{{Name: "code", MountPath: "/work", ReadOnly: true}},
					}},
					Volumes: []corev1.Volume{{
						Name: "code",
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: name},
							},
						},
					}},
				},
			},
		},
	}

	if _, err := d.client.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		d.client.CoreV1().ConfigMaps(d.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		observability.SandboxFailures.WithLabelValues(BackendKubernetes, "create").Inc()
		if apierrors.IsForbidden(err) || apierrors.IsTooManyRequests(err) {
			return Handle{}, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		return Handle{}, fmt.Errorf("create job: %w", err)
	}
	return Handle{ID: name}, nil
}

// Start unsuspends the job so the scheduler admits its pod.
func (d *KubernetesDriver) Start(ctx context.Context, h Handle) error {
	jobs := d.client.BatchV1().Jobs(d.namespace)
	job, err := jobs.Get(ctx, h.ID, metav1.GetOptions{})
	if err != nil {
		observability.SandboxFailures.WithLabelValues(BackendKubernetes, "start").Inc()
		return fmt.Errorf("get job: %w", err)
	}
	suspend := false
	job.Spec.Suspend = &suspend
	if _, err := jobs.Update(ctx, job, metav1.UpdateOptions{}); err != nil {
		observability.SandboxFailures.WithLabelValues(BackendKubernetes, "start").Inc()
		return fmt.Errorf("unsuspend job: %w", err)
	}
	return nil
}

func (d *KubernetesDriver) Wait(ctx context.Context, h Handle, timeout time.Duration) (WaitResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		job, err := d.client.BatchV1().Jobs(d.namespace).Get(waitCtx, h.ID, metav1.GetOptions{})
		if err != nil {
			if waitCtx.Err() != nil {
				d.Kill(ctx, h)
				return WaitResult{Reason: ReasonTimeout, ExitCode: 124}, nil
			}
			observability.SandboxFailures.WithLabelValues(BackendKubernetes, "wait").Inc()
			return WaitResult{}, fmt.Errorf("get job: %w", err)
		}

		if job.Status.Succeeded > 0 || job.Status.Failed > 0 {
			return d.terminalResult(ctx, h)
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			d.Kill(ctx, h)
			return WaitResult{Reason: ReasonTimeout, ExitCode: 124}, nil
		}
	}
}

// terminalResult extracts the exit code and reason from the finished pod.
func (d *KubernetesDriver) terminalResult(ctx context.Context, h Handle) (WaitResult, error) {
	pod, err := d.findPod(ctx, h)
	if err != nil {
		return WaitResult{}, err
	}
	if pod == nil {
		// Pod evicted or garbage collected before we looked.
		return WaitResult{Reason: ReasonKilled, ExitCode: 137}, nil
	}
	for _, cs := range pod.Status.ContainerStatuses {
		term := cs.State.Terminated
		if term == nil {
			continue
		}
		code := int(term.ExitCode)
		switch {
		case term.Reason == "OOMKilled":
			return WaitResult{Reason: ReasonOOM, ExitCode: code}, nil
		case code == 137:
			return WaitResult{Reason: ReasonKilled, ExitCode: code}, nil
		default:
			return WaitResult{Reason: ReasonNormal, ExitCode: code}, nil
		}
	}
	return WaitResult{Reason: ReasonKilled, ExitCode: 137}, nil
}

func (d *KubernetesDriver) findPod(ctx context.Context, h Handle) (*corev1.Pod, error) {
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + h.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("list job pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	return &pods.Items[0], nil
}

func (d *KubernetesDriver) StreamLogs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	// The pod may not exist yet right after unsuspension.
	var pod *corev1.Pod
	for i := 0; i < 30; i++ {
		p, err := d.findPod(ctx, h)
		if err != nil {
			return nil, err
		}
		if p != nil && p.Status.Phase != corev1.PodPending {
			pod = p
			break
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if pod == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}

	req := d.client.CoreV1().Pods(d.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{Follow: true})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream pod logs: %w", err)
	}
	return stream, nil
}

func (d *KubernetesDriver) Kill(ctx context.Context, h Handle) error {
	zero := int64(0)
	err := d.client.CoreV1().Pods(d.namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{GracePeriodSeconds: &zero},
		metav1.ListOptions{LabelSelector: "job-name=" + h.ID})
	if err != nil && !apierrors.IsNotFound(err) {
		observability.SandboxFailures.WithLabelValues(BackendKubernetes, "kill").Inc()
		return fmt.Errorf("delete job pods: %w", err)
	}
	return nil
}

func (d *KubernetesDriver) Destroy(ctx context.Context, h Handle) error {
	propagation := metav1.DeletePropagationForeground
	var firstErr error

	err := d.client.BatchV1().Jobs(d.namespace).Delete(ctx, h.ID,
		metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		observability.SandboxFailures.WithLabelValues(BackendKubernetes, "destroy").Inc()
		firstErr = fmt.Errorf("delete job: %w", err)
	}

	err = d.client.CoreV1().ConfigMaps(d.namespace).Delete(ctx, h.ID, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) && firstErr == nil {
		firstErr = fmt.Errorf("delete configmap: %w", err)
	}
	return firstErr
}

func (d *KubernetesDriver) Alive(ctx context.Context, h Handle) (bool, error) {
	job, err := d.client.BatchV1().Jobs(d.namespace).Get(ctx, h.ID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get job: %w", err)
	}
	return job.Status.Succeeded == 0 && job.Status.Failed == 0, nil
}

// Output returns the merged pod log as stdout. The kubelet does not
// separate the streams, so stderr stays empty on this backend.
func (d *KubernetesDriver) Output(ctx context.Context, h Handle) (Output, error) {
	pod, err := d.findPod(ctx, h)
	if err != nil {
		return Output{}, err
	}
	if pod == nil {
		return Output{}, nil
	}

	req := d.client.CoreV1().Pods(d.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("read pod logs: %w", err)
	}
	defer stream.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stream); err != nil {
		return Output{}, fmt.Errorf("read pod logs: %w", err)
	}
	return Output{Stdout: buf.String()}, nil
}
