package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

// Shell is an interactive shell session running inside an instance
// container. Output is a raw TTY stream read from Read; input is
// written with Write.
type Shell struct {
	cli    apiClient
	execID string
	resp   types.HijackedResponse
}

// ShellStream starts an interactive bash session in the container and
// attaches to it with a TTY. The caller owns the returned Shell and
// must Close it.
func (c *Client) ShellStream(ctx context.Context, containerID string) (*Shell, error) {
	exec, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/bash"},
		Env:          []string{"TERM=xterm-256color"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classify("creating shell exec in", containerID, err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{
		Tty: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to shell in container %q: %w", containerID, err)
	}

	return &Shell{cli: c.cli, execID: exec.ID, resp: resp}, nil
}

// Read reads shell output. Reads go through the attach response's
// buffered reader so no bytes delivered during the hijack are lost.
func (s *Shell) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

// Write sends input to the shell.
func (s *Shell) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

// Resize changes the shell's TTY dimensions.
func (s *Shell) Resize(ctx context.Context, cols, rows uint) error {
	if err := s.cli.ContainerExecResize(ctx, s.execID, container.ResizeOptions{
		Width:  cols,
		Height: rows,
	}); err != nil {
		return fmt.Errorf("resizing shell tty: %w", err)
	}
	return nil
}

// Close tears down the attached stream. The exec process exits when
// its stdin closes.
func (s *Shell) Close() error {
	s.resp.Close()
	return nil
}
