// Package engine wraps the local container engine CLI (docker or a
// drop-in compatible binary). It carries no policy: callers decide what
// to build and run; this package only executes and reports.
package engine

import (
	"context"
	"time"
)

// LogSink receives build/run output one line at a time.
type LogSink func(line string)

// BuildInput describes one image build.
type BuildInput struct {
	ContextDir string // host path of the build context
	Dockerfile string // path of the Dockerfile, relative to ContextDir
	Labels     map[string]string
}

// RunSpec describes one container to start.
type RunSpec struct {
	Image     string
	Name      string
	Workspace Bind // the chat workspace bind mount
	Mounts    []Bind
	Env       map[string]string
	WorkDir   string
	Cmd       []string
	Labels    map[string]string
}

// Bind is a host-to-container bind mount. Host paths must be visible to
// the engine daemon, which may not share this process's filesystem root.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerState is the result of an inspect call.
type ContainerState struct {
	Exists   bool
	Running  bool
	ExitCode int
}

// Engine is the gateway to the container engine. The Docker implementation
// shells out to the CLI; tests substitute a fake.
type Engine interface {
	// BuildImage builds and tags an image, streaming output lines to sink.
	BuildImage(ctx context.Context, ref string, in BuildInput, sink LogSink) error

	// ImageExists reports whether ref is present in the local image store.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// RemoveImage deletes a local image. Missing images are not an error.
	RemoveImage(ctx context.Context, ref string) error

	// ListImages returns the full refs of every local image whose
	// repository matches repo.
	ListImages(ctx context.Context, repo string) ([]string, error)

	// RunContainer creates and starts a detached container, returning its ID.
	RunContainer(ctx context.Context, spec RunSpec) (string, error)

	// StopContainer stops a container, waiting up to graceful before the
	// engine kills it. Missing containers are not an error.
	StopContainer(ctx context.Context, id string, graceful time.Duration) error

	// RemoveContainer force-removes a container. Missing is not an error.
	RemoveContainer(ctx context.Context, id string) error

	// InspectContainer reports current state and exit code.
	InspectContainer(ctx context.Context, id string) (ContainerState, error)

	// WaitContainer blocks until the container exits and returns its exit
	// code. Cancel ctx to stop waiting without affecting the container.
	WaitContainer(ctx context.Context, id string) (int, error)
}
