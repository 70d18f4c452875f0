package sandbox

import (
	"context"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestKubernetesDriverCreateSuspendedJob(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	d := NewKubernetesDriverFromClient(client, "crucible")

	h, err := d.Create(ctx, Spec{
		EvalID:   "e1",
		Code:     "print('hi')",
		Language: "python",
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	job, err := client.BatchV1().Jobs("crucible").Get(ctx, h.ID, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("job not created: %v", err)
	}
	if job.Spec.Suspend == nil || !*job.Spec.Suspend {
		t.Error("job should be created suspended")
	}

	cm, err := client.CoreV1().ConfigMaps("crucible").Get(ctx, h.ID, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("configmap not created: %v", err)
	}
	if cm.Data["main.py"] != "print('hi')" {
		t.Errorf("configmap code = %q", cm.Data["main.py"])
	}

	sc := job.Spec.Template.Spec.Containers[0].SecurityContext
	if sc == nil || sc.AllowPrivilegeEscalation == nil || *sc.AllowPrivilegeEscalation {
		t.Error("container must not allow privilege escalation")
	}
}

func TestKubernetesDriverStartUnsuspends(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	d := NewKubernetesDriverFromClient(client, "crucible")

	h, err := d.Create(ctx, Spec{EvalID: "e1", Code: "x", Language: "python", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := d.Start(ctx, h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	job, err := client.BatchV1().Jobs("crucible").Get(ctx, h.ID, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Spec.Suspend == nil || *job.Spec.Suspend {
		t.Error("job should be unsuspended after Start")
	}
}

func TestKubernetesDriverDestroyIdempotent(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	d := NewKubernetesDriverFromClient(client, "crucible")

	h, err := d.Create(ctx, Spec{EvalID: "e1", Code: "x", Language: "python", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	// Destroying a gone sandbox succeeds.
	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("second Destroy = %v, want nil", err)
	}

	alive, err := d.Alive(ctx, h)
	if err != nil || alive {
		t.Errorf("Alive after destroy = (%v, %v), want (false, nil)", alive, err)
	}
}
