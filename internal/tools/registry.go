// Package tools is the lifecycle operation layer. Every operation
// takes a caller identity plus JSON parameters and returns a
// structured result or an error; mutation of containers, proxy config
// and records happens only through these operations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/clawdeploy/clawd/internal/docker"
	"github.com/clawdeploy/clawd/internal/provision"
	"github.com/clawdeploy/clawd/internal/store"
)

// ContainerRuntime is the container backend lifecycle operations run
// against.
type ContainerRuntime interface {
	Create(ctx context.Context, instanceID string, env map[string]string) (docker.Created, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	BuildBaseImage(ctx context.Context, contextDir string) error
}

// Provisioner manages per-instance storage and config bundles.
type Provisioner interface {
	CreateStorage(instanceID string) error
	WriteConfig(params provision.Params) error
	RemoveStorage(instanceID string)
}

// ProxySyncer keeps the reverse proxy's port map in step with running
// instances.
type ProxySyncer interface {
	Sync(ctx context.Context) error
	Verify(ctx context.Context) error
}

// Handler executes one operation for an authenticated caller.
type Handler func(ctx context.Context, userID string, params json.RawMessage) (any, error)

// Options wires a Registry.
type Options struct {
	Store   *store.Store
	Runtime ContainerRuntime
	Prov    Provisioner
	Proxy   ProxySyncer
	// BuildContext is the directory the shared base image builds from.
	BuildContext string
	// ReportPath is the jsonl file report_result appends to.
	ReportPath string
}

// Registry dispatches operation names to handlers.
type Registry struct {
	store        *store.Store
	runtime      ContainerRuntime
	prov         Provisioner
	proxy        ProxySyncer
	buildContext string
	reportPath   string

	// rebuildSlot serializes base image rebuilds; waiters queue in
	// FIFO order instead of racing duplicate builds.
	rebuildSlot *semaphore.Weighted

	handlers map[string]Handler
}

// NewRegistry returns a Registry with every lifecycle operation
// registered.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store:        opts.Store,
		runtime:      opts.Runtime,
		prov:         opts.Prov,
		proxy:        opts.Proxy,
		buildContext: opts.BuildContext,
		reportPath:   opts.ReportPath,
		rebuildSlot:  semaphore.NewWeighted(1),
	}
	r.handlers = map[string]Handler{
		"instance_create": r.instanceCreate,
		"instance_start":  r.instanceStart,
		"instance_stop":   r.instanceStop,
		"instance_update": r.instanceUpdate,
		"instance_delete": r.instanceDelete,
		"nginx_sync":      r.nginxSync,
		"report_result":   r.reportResult,
		"bash":            r.bash,
	}
	return r
}

// Ops returns the registered operation names.
func (r *Registry) Ops() []string {
	ops := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		ops = append(ops, name)
	}
	return ops
}

// Execute runs the named operation. The caller identity is validated
// before any handler side effect.
func (r *Registry) Execute(ctx context.Context, op, userID string, params json.RawMessage) (any, error) {
	handler, ok := r.handlers[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	return handler(ctx, userID, params)
}

// validateUserID rejects identities that are not well-formed user ids.
func validateUserID(userID string) error {
	if !strings.HasPrefix(userID, "user_") || len(userID) == len("user_") {
		return fmt.Errorf("invalid userId %q: must be a valid user id", userID)
	}
	return nil
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("invalid parameters: %w", err)
	}
	return v, nil
}
