// Package docker is the container runtime client for instance
// containers. It owns host port allocation: creation picks a random
// port in the configured range and retries on allocation conflicts.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/clawdeploy/clawd/internal/log"
)

// ErrNoAvailablePort is returned when every creation attempt hit a port
// allocation conflict.
var ErrNoAvailablePort = errors.New("no available port in configured range")

// ErrContainerNotFound classifies runtime not-found conditions so
// callers can decide whether cleanup may continue.
var ErrContainerNotFound = errors.New("container not found")

// StatusNotFound is the sentinel Status returns for a vanished
// container, letting callers distinguish "gone" from "runtime
// unreachable" without an error branch.
const StatusNotFound = "not_found"

// gatewayPort is the port the agent gateway listens on inside every
// instance container; host ports are mapped onto it.
const gatewayPort = 18789

// TailAll requests the complete log stream.
const TailAll = "all"

// maxLogBytes bounds the blob returned by Logs.
const maxLogBytes = 100 * 1024

// apiClient is the subset of the Docker SDK the runtime client uses.
// Narrowed so tests can substitute a fake daemon.
type apiClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Options configures the runtime client.
type Options struct {
	// Image run for every instance container.
	Image string
	// Host port range instances are mapped into.
	PortMin int
	PortMax int
	// PortAttempts bounds retries on port allocation conflicts.
	PortAttempts int
	// CPUs is the fractional CPU limit per container.
	CPUs float64
	// MemoryMB is the memory cap per container.
	MemoryMB int
}

// Client wraps the Docker SDK with instance-container operations.
type Client struct {
	cli  apiClient
	opts Options
}

// New creates a runtime client connected to the local Docker daemon.
func New(opts Options) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli, opts: opts}, nil
}

// Close releases Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping verifies the Docker daemon is accessible.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// ContainerName derives the deterministic container name for an
// instance.
func ContainerName(instanceID string) string {
	return "clawdeploy-" + instanceID
}

// Created describes a launched instance container.
type Created struct {
	ContainerID string
	Port        int
}

// Create creates and starts an instance container on a pseudo-random
// host port. On a port allocation conflict it retries with a fresh port
// up to the configured attempt budget; any other failure aborts
// immediately. Exhausting the budget returns ErrNoAvailablePort.
func (c *Client) Create(ctx context.Context, instanceID string, env map[string]string) (Created, error) {
	name := ContainerName(instanceID)
	gw := nat.Port(fmt.Sprintf("%d/tcp", gatewayPort))

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	for attempt := 1; attempt <= c.opts.PortAttempts; attempt++ {
		port := c.opts.PortMin + rand.IntN(c.opts.PortMax-c.opts.PortMin+1)

		resp, err := c.cli.ContainerCreate(ctx,
			&container.Config{
				Image: c.opts.Image,
				Env:   envList,
				Labels: map[string]string{
					"clawdeploy": "true",
					"instanceId": instanceID,
				},
				ExposedPorts: nat.PortSet{gw: struct{}{}},
			},
			&container.HostConfig{
				PortBindings: nat.PortMap{
					gw: []nat.PortBinding{{HostPort: strconv.Itoa(port)}},
				},
				RestartPolicy: container.RestartPolicy{
					Name: container.RestartPolicyUnlessStopped,
				},
				Resources: container.Resources{
					NanoCPUs: int64(c.opts.CPUs * 1e9),
					Memory:   int64(c.opts.MemoryMB) * 1024 * 1024,
				},
			},
			nil, // network config
			nil, // platform
			name,
		)
		if err != nil {
			if isPortConflict(err) {
				if attempt < c.opts.PortAttempts {
					continue
				}
				break
			}
			return Created{}, fmt.Errorf("creating container %q: %w", name, err)
		}

		if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			if isPortConflict(err) {
				// Binding conflicts surface at start: discard this
				// container so the next attempt can reuse the name.
				if rmErr := c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
					log.Warn("removing container after port conflict failed", "container", resp.ID, "error", rmErr)
				}
				if attempt < c.opts.PortAttempts {
					continue
				}
				break
			}
			return Created{}, fmt.Errorf("starting container %q: %w", name, err)
		}

		return Created{ContainerID: resp.ID, Port: port}, nil
	}

	return Created{}, fmt.Errorf("creating container %q after %d attempts: %w",
		name, c.opts.PortAttempts, ErrNoAvailablePort)
}

// Start starts an existing container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return classify("starting", containerID, err)
	}
	return nil
}

// Stop stops a running container.
func (c *Client) Stop(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		return classify("stopping", containerID, err)
	}
	return nil
}

// Remove inspects the container, stops it if running, then removes it.
// Not-found is classified so callers can treat it as already-cleaned.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return classify("inspecting", containerID, err)
	}

	if inspect.State != nil && inspect.State.Running {
		if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil && !isNotFound(err) {
			return fmt.Errorf("stopping container %q: %w", containerID, err)
		}
	}

	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return classify("removing", containerID, err)
	}
	return nil
}

// Status returns the container's normalized status string, or the
// StatusNotFound sentinel when the container is gone.
func (c *Client) Status(ctx context.Context, containerID string) (string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if isNotFound(err) {
			return StatusNotFound, nil
		}
		return "", fmt.Errorf("inspecting container %q: %w", containerID, err)
	}
	if inspect.State == nil || inspect.State.Status == "" {
		return "unknown", nil
	}
	return inspect.State.Status, nil
}

// Logs returns combined stdout+stderr as one text blob, truncated to
// maxLogBytes. tail is a positive integer rendered as a string, or
// TailAll for the whole stream. Docker multiplexes the two streams for
// non-TTY containers; those are demultiplexed here.
func (c *Client) Logs(ctx context.Context, containerID, tail string) (string, error) {
	if tail != TailAll {
		n, err := strconv.Atoi(tail)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid tail %q: must be a positive integer or %q", tail, TailAll)
		}
	}

	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", classify("reading logs of", containerID, err)
	}
	defer reader.Close()

	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", classify("inspecting", containerID, err)
	}

	var raw []byte
	if inspect.Config != nil && inspect.Config.Tty {
		// TTY containers produce a single raw stream.
		raw, err = io.ReadAll(io.LimitReader(reader, maxLogBytes+1))
		if err != nil {
			return "", fmt.Errorf("reading logs of container %q: %w", containerID, err)
		}
	} else {
		var combined bytes.Buffer
		if _, err := stdcopy.StdCopy(&combined, &combined, reader); err != nil {
			return "", fmt.Errorf("demuxing logs of container %q: %w", containerID, err)
		}
		raw = combined.Bytes()
	}

	if len(raw) > maxLogBytes {
		raw = raw[:maxLogBytes]
	}
	return string(raw), nil
}

func classify(verb, containerID string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s container %q: %w", verb, containerID, ErrContainerNotFound)
	}
	return fmt.Errorf("%s container %q: %w", verb, containerID, err)
}

func isNotFound(err error) bool {
	if errdefs.IsNotFound(err) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such container")
}

func isPortConflict(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "port is already allocated")
}
