// Package nginx regenerates the reverse-proxy port map that routes
// dashboard traffic to instance containers, and reloads nginx to pick
// it up. Sync failures are advisory for every caller; a stale map
// degrades reachability but must never block a lifecycle transition.
package nginx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clawdeploy/clawd/internal/log"
)

const verifyTimeout = 5 * time.Second

// Upstream is one running instance exposed through the proxy.
type Upstream struct {
	InstanceID string
	Port       int
}

// UpstreamLister supplies the instances the port map should route to.
type UpstreamLister interface {
	RunningUpstreams(ctx context.Context) ([]Upstream, error)
}

// Syncer rewrites the nginx port-map config and reloads nginx.
type Syncer struct {
	lister   UpstreamLister
	confPath string
	sudo     bool

	mu sync.Mutex
}

// NewSyncer returns a Syncer writing the port map at confPath. When
// sudo is set, nginx commands run through sudo.
func NewSyncer(lister UpstreamLister, confPath string, sudo bool) *Syncer {
	return &Syncer{lister: lister, confPath: confPath, sudo: sudo}
}

// Sync regenerates the port map from the currently running instances
// and reloads nginx. Safe to call concurrently; calls serialize on an
// internal mutex so a half-written map is never reloaded.
func (s *Syncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	upstreams, err := s.lister.RunningUpstreams(ctx)
	if err != nil {
		return fmt.Errorf("listing running instances: %w", err)
	}

	conf := RenderPortMap(upstreams)
	if err := writeAtomic(s.confPath, []byte(conf)); err != nil {
		return err
	}
	log.Debug("wrote nginx port map", "path", s.confPath, "upstreams", len(upstreams))

	if err := s.run(ctx, "nginx", "-s", "reload"); err != nil {
		return fmt.Errorf("reloading nginx: %w", err)
	}
	return nil
}

// Verify runs the nginx config self-test. It reports validity only;
// a failed verify does not roll anything back.
func (s *Syncer) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	if err := s.run(ctx, "nginx", "-t"); err != nil {
		return fmt.Errorf("nginx config self-test: %w", err)
	}
	return nil
}

func (s *Syncer) run(ctx context.Context, name string, args ...string) error {
	if s.sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RenderPortMap renders the conf.d fragment routing /i/<id>/ paths to
// each instance's host port. Upstreams are sorted for a stable file.
func RenderPortMap(upstreams []Upstream) string {
	sorted := make([]Upstream, len(upstreams))
	copy(sorted, upstreams)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InstanceID < sorted[j].InstanceID })

	var b strings.Builder
	b.WriteString("# Managed by clawd. Do not edit; regenerated on every sync.\n")
	for _, u := range sorted {
		fmt.Fprintf(&b, `
location /i/%s/ {
    proxy_pass http://127.0.0.1:%d/;
    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_set_header Host $host;
    proxy_read_timeout 3600s;
}
`, u.InstanceID, u.Port)
	}
	return b.String()
}

// writeAtomic writes via a temp file and rename so a reload never sees
// a partially written map.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".portmap-*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("setting config mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing config at %q: %w", path, err)
	}
	return nil
}
