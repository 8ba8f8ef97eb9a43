package flow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/convogrid/convogrid/pkg/models"
)

// flowsFile is one YAML file under <configDir>/flows/. A file may carry one
// definition at the top level or several under a flows key.
type flowsFile struct {
	Flows []*models.FlowDefinition `yaml:"flows"`
}

// Load reads flow definitions: built-ins first, then YAML files from
// <configDir>/flows/ in lexical order. A YAML definition with the same ID as
// a built-in replaces it. knownExecutor gates executor-name validation.
func Load(configDir string, knownExecutor func(string) bool) ([]*models.FlowDefinition, error) {
	byID := make(map[string]*models.FlowDefinition)
	for id, def := range Builtins() {
		byID[id] = def
	}

	flowsDir := filepath.Join(configDir, "flows")
	files, err := listFlowFiles(flowsDir)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		defs, err := loadFile(file)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if _, exists := byID[def.ID]; exists {
				slog.Info("User flow definition overrides built-in", "flow_id", def.ID, "file", file)
			}
			byID[def.ID] = def
		}
	}

	out := make([]*models.FlowDefinition, 0, len(byID))
	for _, def := range byID {
		if err := Validate(def, knownExecutor); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	// Duplicate triggers are a wiring error: intent routing would be
	// nondeterministic.
	triggers := make(map[string]string)
	for _, def := range out {
		if def.Trigger == "" {
			continue
		}
		if other, dup := triggers[def.Trigger]; dup {
			return nil, NewValidationError(def.ID, "", "trigger",
				fmt.Errorf("trigger '%s' already claimed by flow '%s'", def.Trigger, other))
		}
		triggers[def.Trigger] = def.ID
	}
	return out, nil
}

func listFlowFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &LoadError{File: dir, Err: err}
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func loadFile(file string) ([]*models.FlowDefinition, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, &LoadError{File: file, Err: err}
	}

	var multi flowsFile
	if err := yaml.Unmarshal(data, &multi); err == nil && len(multi.Flows) > 0 {
		return multi.Flows, nil
	}

	var single models.FlowDefinition
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, &LoadError{File: file, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}
	if single.ID == "" {
		return nil, &LoadError{File: file, Err: fmt.Errorf("no flow definitions found")}
	}
	return []*models.FlowDefinition{&single}, nil
}
