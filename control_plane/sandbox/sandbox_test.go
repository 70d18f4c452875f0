package sandbox

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestLookupProfileKnownLanguages(t *testing.T) {
	for _, lang := range []string{"python", "javascript", "bash"} {
		p, err := LookupProfile(lang, nil)
		if err != nil {
			t.Errorf("LookupProfile(%q) failed: %v", lang, err)
			continue
		}
		if p.Image == "" || p.FileName == "" || len(p.Command) == 0 {
			t.Errorf("LookupProfile(%q) returned incomplete profile: %+v", lang, p)
		}
	}
}

func TestLookupProfileUnknownLanguage(t *testing.T) {
	_, err := LookupProfile("cobol", nil)
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("err = %v, want ErrUnsupportedLanguage", err)
	}
}

func TestLookupProfileBackendOverride(t *testing.T) {
	p, err := LookupProfile("python", map[string]string{"python": BackendGVisor})
	if err != nil {
		t.Fatalf("LookupProfile failed: %v", err)
	}
	if p.Backend != BackendGVisor {
		t.Errorf("Backend = %q, want %q", p.Backend, BackendGVisor)
	}
}

func TestFakeDriverHappyPath(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()
	d.Script("e1", FakeResult{Stdout: "hi\n", ExitCode: 0})

	h, err := d.Create(ctx, Spec{EvalID: "e1", Language: "python", Code: "print('hi')"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := d.Start(ctx, h); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res, err := d.Wait(ctx, h, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Reason != ReasonNormal || res.ExitCode != 0 {
		t.Errorf("Wait = %+v, want normal/0", res)
	}

	out, err := d.Output(ctx, h)
	if err != nil || out.Stdout != "hi\n" {
		t.Errorf("Output = (%+v, %v), want stdout %q", out, err, "hi\n")
	}

	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if !d.Destroyed("e1") {
		t.Error("sandbox not marked destroyed")
	}
}

func TestFakeDriverTimeoutKills(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()
	d.Script("e1", FakeResult{Delay: time.Minute})

	h, _ := d.Create(ctx, Spec{EvalID: "e1", Language: "python"})
	d.Start(ctx, h)

	res, err := d.Wait(ctx, h, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Reason != ReasonTimeout || res.ExitCode != 124 {
		t.Errorf("Wait = %+v, want timeout/124", res)
	}

	alive, _ := d.Alive(ctx, h)
	if alive {
		t.Error("sandbox still alive after timeout kill")
	}
}

func TestFakeDriverKill(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()
	d.Script("e1", FakeResult{Delay: time.Minute})

	h, _ := d.Create(ctx, Spec{EvalID: "e1", Language: "python"})
	d.Start(ctx, h)

	if err := d.Kill(ctx, h); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	// Second kill is a no-op.
	if err := d.Kill(ctx, h); err != nil {
		t.Fatalf("second Kill failed: %v", err)
	}

	res, err := d.Wait(ctx, h, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Reason != ReasonKilled || res.ExitCode != 137 {
		t.Errorf("Wait = %+v, want killed/137", res)
	}
}

func TestFakeDriverStreamLogs(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()
	d.Script("e1", FakeResult{Stdout: "out", Stderr: "err"})

	h, _ := d.Create(ctx, Spec{EvalID: "e1", Language: "python"})
	d.Start(ctx, h)

	rc, err := d.StreamLogs(ctx, h)
	if err != nil {
		t.Fatalf("StreamLogs failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(data) != "outerr" {
		t.Errorf("stream = %q, want %q", data, "outerr")
	}
}

func TestFakeDriverCreateError(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()
	d.Script("e1", FakeResult{CreateErr: ErrResourceExhausted})

	_, err := d.Create(ctx, Spec{EvalID: "e1", Language: "python"})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Create err = %v, want ErrResourceExhausted", err)
	}
}

func TestFakeDriverUnsupportedLanguage(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()

	_, err := d.Create(ctx, Spec{EvalID: "e1", Language: "fortran"})
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("Create err = %v, want ErrUnsupportedLanguage", err)
	}
}
