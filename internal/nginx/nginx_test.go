package nginx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPortMap_Empty(t *testing.T) {
	conf := RenderPortMap(nil)
	assert.Contains(t, conf, "Managed by clawd")
	assert.NotContains(t, conf, "location")
}

func TestRenderPortMap_Routes(t *testing.T) {
	conf := RenderPortMap([]Upstream{
		{InstanceID: "inst_bb", Port: 10500},
		{InstanceID: "inst_aa", Port: 12345},
	})

	assert.Contains(t, conf, "location /i/inst_aa/")
	assert.Contains(t, conf, "proxy_pass http://127.0.0.1:12345/;")
	assert.Contains(t, conf, "location /i/inst_bb/")
	assert.Contains(t, conf, "proxy_pass http://127.0.0.1:10500/;")

	// Output is sorted by instance id so the file is diff-stable.
	assert.Less(t, strings.Index(conf, "inst_aa"), strings.Index(conf, "inst_bb"))
}

func TestRenderPortMap_DoesNotMutateInput(t *testing.T) {
	in := []Upstream{
		{InstanceID: "inst_zz", Port: 1},
		{InstanceID: "inst_aa", Port: 2},
	}
	RenderPortMap(in)
	assert.Equal(t, "inst_zz", in[0].InstanceID)
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instances.conf")

	require.NoError(t, writeAtomic(path, []byte("first")))
	require.NoError(t, writeAtomic(path, []byte("second")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
