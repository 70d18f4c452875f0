package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
)

// DockerDriver runs sandboxes as locked-down containers through the
// docker CLI. An alternative OCI runtime ("runsc" for gVisor) can be
// injected per driver instance.
type DockerDriver struct {
	bin     string
	runtime string
	backend string
}

func NewDockerDriver() *DockerDriver {
	return &DockerDriver{bin: "docker", backend: BackendDocker}
}

func (d *DockerDriver) containerName(evalID string) string {
	return "crucible-" + evalID
}

// run executes a docker subcommand and returns its stdout.
func (d *DockerDriver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("docker %s: %w: %s",
			args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (d *DockerDriver) Create(ctx context.Context, spec Spec) (Handle, error) {
	profile, err := LookupProfile(spec.Language, nil)
	if err != nil {
		return Handle{}, err
	}

	limits := spec.Limits
	if limits.MemoryBytes == 0 {
		limits = profile.Limits
	}

	scratch, err := os.MkdirTemp("", "crucible-"+spec.EvalID+"-")
	if err != nil {
		return Handle{}, fmt.Errorf("create scratch dir: %w", err)
	}
	codePath := filepath.Join(scratch, profile.FileName)
	if err := os.WriteFile(codePath, []byte(spec.Code), 0o644); err != nil {
		os.RemoveAll(scratch)
		return Handle{}, fmt.Errorf("write code file: %w", err)
	}

	name := d.containerName(spec.EvalID)
	args := []string{
		"create",
		"--name", name,
		"--network=none",
		"--read-only",
		"--memory", strconv.FormatInt(limits.MemoryBytes, 10),
		"--memory-swap", strconv.FormatInt(limits.MemoryBytes, 10),
		"--cpus", limits.CPUs,
		"--pids-limit", strconv.Itoa(limits.PidsLimit),
		"--security-opt=no-new-privileges",
		"--cap-drop=ALL",
		"--tmpfs", "/tmp:rw,noexec,size=64m",
		"-v", scratch + ":/work:ro",
	}
	if d.runtime != "" {
		args = append(args, "--runtime="+d.runtime)
	}
	args = append(args, profile.Image)
	args = append(args, profile.Command...)

	if _, err := d.run(ctx, args...); err != nil {
		os.RemoveAll(scratch)
		observability.SandboxFailures.WithLabelValues(d.backend, "create").Inc()
		if isHostFull(err) {
			return Handle{}, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		return Handle{}, err
	}
	return Handle{ID: name, ScratchDir: scratch}, nil
}

// isHostFull recognizes create failures that mean back off, not fail.
func isHostFull(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "cannot allocate memory") ||
		strings.Contains(msg, "too many open files")
}

func (d *DockerDriver) Start(ctx context.Context, h Handle) error {
	if _, err := d.run(ctx, "start", h.ID); err != nil {
		observability.SandboxFailures.WithLabelValues(d.backend, "start").Inc()
		return err
	}
	return nil
}

func (d *DockerDriver) Wait(ctx context.Context, h Handle, timeout time.Duration) (WaitResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.run(waitCtx, "wait", h.ID)
	if waitCtx.Err() == context.DeadlineExceeded {
		// Kill with the parent context; the deadline context is spent.
		if _, kerr := d.run(ctx, "kill", h.ID); kerr != nil && !isGone(kerr) {
			observability.SandboxFailures.WithLabelValues(d.backend, "kill").Inc()
		}
		return WaitResult{Reason: ReasonTimeout, ExitCode: 124}, nil
	}
	if err != nil {
		observability.SandboxFailures.WithLabelValues(d.backend, "wait").Inc()
		return WaitResult{}, err
	}

	code, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return WaitResult{}, fmt.Errorf("parse exit code %q: %w", strings.TrimSpace(out), err)
	}

	if oom, _ := d.inspectBool(ctx, h.ID, "{{.State.OOMKilled}}"); oom {
		return WaitResult{Reason: ReasonOOM, ExitCode: code}, nil
	}
	if code == 137 {
		return WaitResult{Reason: ReasonKilled, ExitCode: code}, nil
	}
	return WaitResult{Reason: ReasonNormal, ExitCode: code}, nil
}

func (d *DockerDriver) inspectBool(ctx context.Context, id string, format string) (bool, error) {
	out, err := d.run(ctx, "inspect", "-f", format, id)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

func (d *DockerDriver) StreamLogs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, d.bin, "logs", "-f", h.ID)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("docker logs: %w", err)
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()
	return pr, nil
}

func (d *DockerDriver) Kill(ctx context.Context, h Handle) error {
	if _, err := d.run(ctx, "kill", h.ID); err != nil && !isGone(err) {
		observability.SandboxFailures.WithLabelValues(d.backend, "kill").Inc()
		return err
	}
	return nil
}

func (d *DockerDriver) Destroy(ctx context.Context, h Handle) error {
	var firstErr error
	if _, err := d.run(ctx, "rm", "-f", h.ID); err != nil && !isGone(err) {
		observability.SandboxFailures.WithLabelValues(d.backend, "destroy").Inc()
		firstErr = err
	}
	if h.ScratchDir != "" {
		if err := os.RemoveAll(h.ScratchDir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove scratch dir: %w", err)
		}
	}
	return firstErr
}

func (d *DockerDriver) Alive(ctx context.Context, h Handle) (bool, error) {
	running, err := d.inspectBool(ctx, h.ID, "{{.State.Running}}")
	if err != nil {
		if isGone(err) {
			return false, nil
		}
		return false, err
	}
	return running, nil
}

func (d *DockerDriver) Output(ctx context.Context, h Handle) (Output, error) {
	cmd := exec.CommandContext(ctx, d.bin, "logs", h.ID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Output{}, fmt.Errorf("docker logs: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return Output{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// isGone matches errors for containers that no longer exist or already
// stopped, which Kill and Destroy treat as success.
func isGone(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No such container") ||
		strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "already in progress")
}
