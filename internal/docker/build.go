package docker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/build"

	"github.com/clawdeploy/clawd/internal/log"
)

// BuildBaseImage rebuilds the shared instance image from the build
// context directory and tags it with the configured image name. The
// build output stream is drained and scanned for errors; progress
// lines go to the debug log.
func (c *Client) BuildBaseImage(ctx context.Context, contextDir string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarDirectory(contextDir, pw))
	}()

	resp, err := c.cli.ImageBuild(ctx, pr, build.ImageBuildOptions{
		Tags:       []string{c.opts.Image},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("building image %q: %w", c.opts.Image, err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("reading build output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("build error: %s", msg.Error)
		}
		if msg.Stream != "" {
			log.Debug("image build", "stream", msg.Stream)
		}
	}

	return nil
}

// tarDirectory streams the directory's contents as a tar archive with
// paths relative to the directory root.
func tarDirectory(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", rel, err)
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("writing %s to tar: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archiving build context %q: %w", dir, err)
	}

	return tw.Close()
}
