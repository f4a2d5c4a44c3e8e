package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const envAriaModelsDir = "ARIA_MODELS_DIR"

// manifestName is the file every model directory carries.
const manifestName = "model.json"

// resolveModelManifest turns the model flags into a manifest path. An
// explicit --model wins; a directory is resolved to its model.json.
// Otherwise the models directory is scanned and a single model is picked
// up automatically.
func resolveModelManifest(modelFlag, modelsDir string, stderr io.Writer) (string, error) {
	modelFlag = strings.TrimSpace(modelFlag)
	if modelFlag != "" {
		p := filepath.Clean(modelFlag)
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			return filepath.Join(p, manifestName), nil
		}
		return p, nil
	}

	dir := strings.TrimSpace(modelsDir)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envAriaModelsDir))
	}
	if dir == "" {
		return "", fmt.Errorf("--model or --models-path is required unless %s is set", envAriaModelsDir)
	}

	models, err := discoverModels(dir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no model directories found in %s", dir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "using model %s\n", filepath.Dir(models[0]))
		return models[0], nil
	default:
		names := make([]string, len(models))
		for i, m := range models {
			names[i] = filepath.Base(filepath.Dir(m))
		}
		return "", fmt.Errorf("multiple models found in %s (%s); set --model", dir, strings.Join(names, ", "))
	}
}

// discoverModels lists the manifest paths of every subdirectory of dir that
// carries a model.json, sorted by name.
func discoverModels(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("models directory is empty")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		manifest := filepath.Join(dir, e.Name(), manifestName)
		if _, err := os.Stat(manifest); err != nil {
			continue
		}
		models = append(models, manifest)
	}
	sort.Strings(models)
	return models, nil
}
