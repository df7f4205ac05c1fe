package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLabelsText(t *testing.T) {
	path := writeFile(t, "coco.names", "person\nbicycle\n\n  car  \n")
	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "bicycle", "car"}, labels)
}

func TestLoadLabelsYAMLList(t *testing.T) {
	path := writeFile(t, "data.yaml", "nc: 2\nnames: ['helmet', 'head']\n")
	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"helmet", "head"}, labels)
}

func TestLoadLabelsYAMLMap(t *testing.T) {
	path := writeFile(t, "data.yml", "names:\n  2: dog\n  0: cat\n")
	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "", "dog"}, labels)
	assert.Equal(t, "class1", labelFor(labels, 1))
	assert.Equal(t, "dog", labelFor(labels, 2))
	assert.Equal(t, "class9", labelFor(labels, 9))
}

func TestLoadLabelsErrors(t *testing.T) {
	_, err := LoadLabels(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	_, err = LoadLabels(writeFile(t, "data.yaml", "train: images/\n"))
	assert.ErrorContains(t, err, "no names")

	_, err = LoadLabels(writeFile(t, "data.yaml", "names: person\n"))
	assert.Error(t, err)
}

func TestLoadLabelsRejectsHugeClassID(t *testing.T) {
	_, err := LoadLabels(writeFile(t, "data.yaml", "names:\n  0: cat\n  1000000000: stray\n"))
	assert.ErrorContains(t, err, "class id 1000000000 exceeds")

	labels, err := LoadLabels(writeFile(t, "data.yaml", "names:\n  100000: last\n"))
	require.NoError(t, err)
	assert.Len(t, labels, 100001)
	assert.Equal(t, "last", labels[100000])
}

func TestDefaultLabelsPath(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "best.onnx")
	assert.Equal(t, "", defaultLabelsPath(model))

	yamlPath := filepath.Join(dir, "data.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("names: [a]\n"), 0o644))
	assert.Equal(t, yamlPath, defaultLabelsPath(model))

	names := filepath.Join(dir, "best.names")
	require.NoError(t, os.WriteFile(names, []byte("a\n"), 0o644))
	assert.Equal(t, names, defaultLabelsPath(model))
}
