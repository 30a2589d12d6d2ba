package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Engine for tests. Containers "run" until a test
// calls Exit; builds emit scripted output lines.
type Fake struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*fakeContainer
	nextID     int

	// BuildErr, if set, fails every build with this error.
	BuildErr error
	// BuildLines are streamed to the sink on every successful build.
	BuildLines []string
	// RunErr, if set, fails every RunContainer call.
	RunErr error
	// BuildDelay simulates a slow build.
	BuildDelay time.Duration

	// Counters for assertions.
	Builds int
	Runs   int
}

type fakeContainer struct {
	id       string
	spec     RunSpec
	running  bool
	exitCode int
	exited   chan struct{}
}

// NewFake returns an empty fake engine.
func NewFake() *Fake {
	return &Fake{
		images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
	}
}

// SeedImage marks an image ref as already present (cache-hit scenarios).
func (f *Fake) SeedImage(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
}

// Exit terminates a running fake container with the given code.
func (f *Fake) Exit(id string, code int) {
	f.mu.Lock()
	c, ok := f.containers[id]
	if ok && c.running {
		c.running = false
		c.exitCode = code
		close(c.exited)
	}
	f.mu.Unlock()
}

// Running reports whether a fake container is currently running.
func (f *Fake) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return ok && c.running
}

// Spec returns the RunSpec a container was started with.
func (f *Fake) Spec(id string) (RunSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return RunSpec{}, false
	}
	return c.spec, true
}

func (f *Fake) BuildImage(ctx context.Context, ref string, _ BuildInput, sink LogSink) error {
	if f.BuildDelay > 0 {
		select {
		case <-time.After(f.BuildDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.Builds++
	err := f.BuildErr
	lines := f.BuildLines
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, line := range lines {
		if sink != nil {
			sink(line)
		}
	}
	f.mu.Lock()
	f.images[ref] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *Fake) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, ref)
	return nil
}

func (f *Fake) ListImages(_ context.Context, repo string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []string
	for ref := range f.images {
		if strings.HasPrefix(ref, repo+":") {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (f *Fake) RunContainer(_ context.Context, spec RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Runs++
	if f.RunErr != nil {
		return "", f.RunErr
	}
	f.nextID++
	id := fmt.Sprintf("fake-%04d", f.nextID)
	f.containers[id] = &fakeContainer{
		id:      id,
		spec:    spec,
		running: true,
		exited:  make(chan struct{}),
	}
	return id, nil
}

func (f *Fake) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.Exit(id, 0)
	return nil
}

func (f *Fake) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	c, ok := f.containers[id]
	if ok && c.running {
		c.running = false
		c.exitCode = 137
		close(c.exited)
	}
	delete(f.containers, id)
	f.mu.Unlock()
	return nil
}

func (f *Fake) InspectContainer(_ context.Context, id string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ContainerState{Exists: false}, nil
	}
	return ContainerState{Exists: true, Running: c.running, ExitCode: c.exitCode}, nil
}

func (f *Fake) WaitContainer(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return 0, nil
	}
	select {
	case <-c.exited:
		f.mu.Lock()
		code := c.exitCode
		f.mu.Unlock()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
