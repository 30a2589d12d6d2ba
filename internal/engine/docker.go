package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Docker drives a docker-compatible CLI. It is safe for concurrent use;
// every call is an independent child process.
type Docker struct {
	binary string
}

// NewDocker returns an Engine backed by the given CLI binary ("docker",
// "podman", ...).
func NewDocker(binary string) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{binary: binary}
}

// Available checks that the engine binary exists and the daemon answers.
func (d *Docker) Available(ctx context.Context) error {
	if _, err := exec.LookPath(d.binary); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", d.binary, err)
	}
	_, stderr, err := d.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("container engine unreachable: %s", firstLine(stderr))
	}
	return nil
}

func (d *Docker) BuildImage(ctx context.Context, ref string, in BuildInput, sink LogSink) error {
	args := []string{"build", "--progress=plain", "-t", ref}
	if in.Dockerfile != "" {
		args = append(args, "-f", in.Dockerfile)
	}
	for _, k := range sortedKeys(in.Labels) {
		args = append(args, "--label", k+"="+in.Labels[k])
	}
	args = append(args, in.ContextDir)

	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Dir = in.ContextDir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("build pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // BuildKit writes progress to stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s build: %w", d.binary, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var tail []string
	for scanner.Scan() {
		line := scanner.Text()
		if sink != nil {
			sink(line)
		}
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("build canceled: %w", ctx.Err())
		}
		return fmt.Errorf("%s build failed: %s", d.binary, strings.Join(tail, "\n"))
	}
	return nil
}

func (d *Docker) ImageExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := d.retry(ctx, func() error {
		_, stderr, err := d.run(ctx, "image", "inspect", "--format", "{{.Id}}", ref)
		if err == nil {
			exists = true
			return nil
		}
		if isNotFound(stderr) {
			exists = false
			return nil
		}
		return transientOrPermanent(stderr, err)
	})
	return exists, err
}

func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	_, stderr, err := d.run(ctx, "rmi", ref)
	if err != nil && !isNotFound(stderr) {
		return fmt.Errorf("remove image %s: %s", ref, firstLine(stderr))
	}
	return nil
}

func (d *Docker) ListImages(ctx context.Context, repo string) ([]string, error) {
	var refs []string
	err := d.retry(ctx, func() error {
		stdout, stderr, err := d.run(ctx, "image", "ls", "--format", "{{.Repository}}:{{.Tag}}", repo)
		if err != nil {
			return transientOrPermanent(stderr, err)
		}
		refs = refs[:0]
		for _, line := range strings.Split(stdout, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasSuffix(line, ":<none>") {
				refs = append(refs, line)
			}
		}
		return nil
	})
	return refs, err
}

func (d *Docker) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	args := []string{"run", "-d"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.Workspace.Source != "" {
		args = append(args, "-v", bindArg(spec.Workspace))
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", bindArg(m))
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	var id string
	err := d.retry(ctx, func() error {
		stdout, stderr, err := d.run(ctx, args...)
		if err == nil {
			id = shortID(stdout)
			return nil
		}
		// A concurrent retry may have already created the named container.
		if spec.Name != "" && strings.Contains(stderr, "is already in use") {
			if existing, ierr := d.containerIDByName(ctx, spec.Name); ierr == nil && existing != "" {
				id = existing
				return nil
			}
		}
		return transientOrPermanent(stderr, err)
	})
	if err != nil {
		return "", fmt.Errorf("run container: %w", err)
	}
	return id, nil
}

func (d *Docker) StopContainer(ctx context.Context, id string, graceful time.Duration) error {
	secs := int(graceful / time.Second)
	if secs < 1 {
		secs = 1
	}
	_, stderr, err := d.run(ctx, "stop", "-t", strconv.Itoa(secs), id)
	if err != nil && !isNotFound(stderr) {
		log.Warn().Str("container", id).Str("stderr", firstLine(stderr)).Msg("Graceful stop failed, forcing removal")
	}
	return nil
}

func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	_, stderr, err := d.run(ctx, "rm", "-f", id)
	if err != nil && !isNotFound(stderr) {
		return fmt.Errorf("remove container %s: %s", id, firstLine(stderr))
	}
	return nil
}

func (d *Docker) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	stdout, stderr, err := d.run(ctx, "inspect", "--format", "{{.State.Running}} {{.State.ExitCode}}", id)
	if err != nil {
		if isNotFound(stderr) {
			return ContainerState{Exists: false}, nil
		}
		return ContainerState{}, fmt.Errorf("inspect %s: %s", id, firstLine(stderr))
	}
	fields := strings.Fields(strings.TrimSpace(stdout))
	st := ContainerState{Exists: true}
	if len(fields) == 2 {
		st.Running = fields[0] == "true"
		st.ExitCode, _ = strconv.Atoi(fields[1])
	}
	return st, nil
}

func (d *Docker) WaitContainer(ctx context.Context, id string) (int, error) {
	stdout, stderr, err := d.run(ctx, "wait", id)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if isNotFound(stderr) {
			// Container removed out from under us; treat as clean exit.
			return 0, nil
		}
		return 0, fmt.Errorf("wait %s: %s", id, firstLine(stderr))
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(stdout))
	if convErr != nil {
		return 0, fmt.Errorf("wait %s: unparsable exit code %q", id, strings.TrimSpace(stdout))
	}
	return code, nil
}

// ── plumbing ────────────────────────────────────────────────

func (d *Docker) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (d *Docker) containerIDByName(ctx context.Context, name string) (string, error) {
	stdout, _, err := d.run(ctx, "inspect", "--format", "{{.Id}}", name)
	if err != nil {
		return "", err
	}
	return shortID(stdout), nil
}

// retry wraps an engine call in bounded exponential backoff. Only errors
// marked transient are retried; everything else surfaces immediately.
func (d *Docker) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err == nil || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
}

type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// transientOrPermanent classifies a CLI failure by its stderr. Daemon
// connectivity and timeout flakes are worth retrying; everything else
// (bad image ref, invalid mount) is not.
func transientOrPermanent(stderr string, err error) error {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"cannot connect to the docker daemon",
		"i/o timeout",
		"connection refused",
		"temporary failure",
		"timeout exceeded",
		"conflict. the container name", // rm still settling from a prior attempt
	} {
		if strings.Contains(s, marker) {
			return &transientError{fmt.Errorf("%s: %w", firstLine(stderr), err)}
		}
	}
	return fmt.Errorf("%s: %w", firstLine(stderr), err)
}

func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such image") ||
		strings.Contains(s, "no such object") ||
		strings.Contains(s, "not found")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortID(stdout string) string {
	id := strings.TrimSpace(stdout)
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func bindArg(b Bind) string {
	arg := b.Source + ":" + b.Target
	if b.ReadOnly {
		arg += ":ro"
	}
	return arg
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
