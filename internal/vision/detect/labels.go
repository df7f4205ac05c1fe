package detect

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// maxClassID bounds class ids taken from an index map. Real datasets have
// at most a few thousand classes.
const maxClassID = 100000

// LoadLabels reads class names from a plain list (one per line) or from a
// YOLO data.yaml whose names key is a list or an index map.
func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read labels %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		labels, err := parseYAMLLabels(data)
		return labels, errors.Wrapf(err, "parse labels %s", path)
	default:
		return parseTextLabels(data), nil
	}
}

func parseTextLabels(data []byte) []string {
	var labels []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	return labels
}

func parseYAMLLabels(data []byte) ([]string, error) {
	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	switch doc.Names.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := doc.Names.Decode(&names); err != nil {
			return nil, err
		}
		return names, nil
	case yaml.MappingNode:
		var byIndex map[int]string
		if err := doc.Names.Decode(&byIndex); err != nil {
			return nil, err
		}
		ids := make([]int, 0, len(byIndex))
		for id := range byIndex {
			if id < 0 {
				return nil, fmt.Errorf("negative class id %d", id)
			}
			if id > maxClassID {
				return nil, fmt.Errorf("class id %d exceeds %d", id, maxClassID)
			}
			ids = append(ids, id)
		}
		sort.Ints(ids)
		if len(ids) == 0 {
			return nil, nil
		}
		names := make([]string, ids[len(ids)-1]+1)
		for _, id := range ids {
			names[id] = byIndex[id]
		}
		return names, nil
	case 0:
		return nil, errors.New("no names key")
	default:
		return nil, fmt.Errorf("names must be a list or a map, got %v", doc.Names.Tag)
	}
}

// labelFor returns the label for a class id, or a placeholder.
func labelFor(labels []string, classID int) string {
	if classID >= 0 && classID < len(labels) && labels[classID] != "" {
		return labels[classID]
	}
	return fmt.Sprintf("class%d", classID)
}

// defaultLabelsPath looks for a labels file next to the model.
func defaultLabelsPath(modelPath string) string {
	base := strings.TrimSuffix(modelPath, filepath.Ext(modelPath))
	dir := filepath.Dir(modelPath)
	for _, candidate := range []string{
		base + ".names",
		base + ".txt",
		filepath.Join(dir, "data.yaml"),
		filepath.Join(dir, "labels.txt"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
