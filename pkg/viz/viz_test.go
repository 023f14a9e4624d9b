package viz

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arseneyr/speakerbox/pkg/mergeable"
)

func TestRenderDocToSvg(t *testing.T) {
	doc, err := mergeable.Init(map[string]any{"title": "a"})
	require.NoError(t, err)
	other, err := mergeable.Clone(doc)
	require.NoError(t, err)
	doc, err = mergeable.Update(doc, map[string]any{"title": "b"})
	require.NoError(t, err)
	other, err = mergeable.Update(other, map[string]any{"title": "c"})
	require.NoError(t, err)
	merged, err := mergeable.Merge(doc, other)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "history.svg")
	require.NoError(t, RenderDocToSvg(merged, []string{"title"}, out))
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<svg")
	assert.Contains(t, string(raw), "set title")
}

func TestRenderHistoryEmpty(t *testing.T) {
	var buff bytes.Buffer
	require.NoError(t, RenderHistory(nil, &buff))
	assert.Contains(t, buff.String(), "<svg")
}
