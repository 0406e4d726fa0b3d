// Package project assembles the project descriptor sent to the vendor
// application and handles the test-case lists it returns.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// Model names a configuration model: the file it lives in and its top-level key.
type Model struct {
	File string
	Key  string
}

// Model keys.
const (
	ProjectModel = "ProjectConfigurationModel"
	EsdfModel    = "EsdfConfigurationModel"
	TesterModel  = "TesterConfigurationModel"
	ReportModel  = "ReportConfigurationModel"
)

// Models lists the four models in load order.
var Models = []Model{
	{File: "project_config.json", Key: ProjectModel},
	{File: "esdf.json", Key: EsdfModel},
	{File: "tester_config.json", Key: TesterModel},
	{File: "report_config.json", Key: ReportModel},
}

// Output file names.
const (
	DescriptorFile       = "project_Configuration_Model_input.json"
	GeneratedTestList    = "Generated_Test_cases_list.json"
	DefaultProjectName   = "Project"
	projectNameField     = "projectName"
	projectTimestampForm = "20060102_1504"
)

// Descriptor is the merged project configuration, keyed by model name.
type Descriptor map[string]map[string]any

// LoadModels reads the four models from dir. A missing file, unreadable
// JSON, or a file without its model key fails with project.model_missing.
func LoadModels(dir string) (Descriptor, error) {
	d := make(Descriptor, len(Models))
	for _, m := range Models {
		path := filepath.Join(dir, m.File)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.ModelMissing(m.Key, err)
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, apperrors.ModelMissing(m.Key, fmt.Errorf("parse %s: %w", path, err))
		}
		raw, ok := doc[m.Key]
		if !ok {
			return nil, apperrors.ModelMissing(m.Key, fmt.Errorf("%s has no %s", path, m.Key))
		}
		var model map[string]any
		if err := json.Unmarshal(raw, &model); err != nil || len(model) == 0 {
			if err == nil {
				err = fmt.Errorf("%s in %s is empty", m.Key, path)
			}
			return nil, apperrors.ModelMissing(m.Key, err)
		}
		d[m.Key] = model
	}
	return d, nil
}

// Name returns the projectName stored in the project model, or "".
func (d Descriptor) Name() string {
	name, _ := d[ProjectModel][projectNameField].(string)
	return strings.TrimSpace(name)
}

// SetName stores name in the project model.
func (d Descriptor) SetName(name string) {
	if d[ProjectModel] == nil {
		d[ProjectModel] = map[string]any{}
	}
	d[ProjectModel][projectNameField] = name
}

// ResolveName picks the project name: requested, else the model's
// projectName, else "Project". With timestamp it appends _YYYYMMDD_HHMM.
func ResolveName(requested string, d Descriptor, timestamp bool, now time.Time) string {
	name := strings.TrimSpace(requested)
	if name == "" {
		name = d.Name()
	}
	if name == "" {
		name = DefaultProjectName
	}
	if timestamp {
		name = name + "_" + now.Format(projectTimestampForm)
	}
	return name
}

// WriteDescriptor writes d to path, indented.
func WriteDescriptor(path string, d Descriptor) error {
	return writeIndented(path, d)
}

// TestListPath returns where the application's test-case tree is saved.
func TestListPath(dir, projectName string, withProjectName bool) string {
	if withProjectName {
		return filepath.Join(dir, "Test_cases_list_"+projectName+".json")
	}
	return filepath.Join(dir, GeneratedTestList)
}

// WriteTestList saves the tree returned by GetTestCaseList. When the payload
// is a list its first element is the tree. It reports false without writing
// when the payload is an empty list.
func WriteTestList(path string, payload json.RawMessage) (bool, error) {
	var list []json.RawMessage
	data := payload
	if err := json.Unmarshal(payload, &list); err == nil {
		if len(list) == 0 {
			return false, nil
		}
		data = list[0]
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return false, apperrors.Wrap(apperrors.CodeAPIDecodeFailed, "decode test case list", err)
	}
	if err := writeIndented(path, tree); err != nil {
		return false, err
	}
	return true, nil
}

func writeIndented(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeArtifactWriteFailed, "encode "+filepath.Base(path), err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return apperrors.Wrap(apperrors.CodeArtifactWriteFailed, "create "+dir, err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return apperrors.Wrap(apperrors.CodeArtifactWriteFailed, "write "+path, err)
	}
	return nil
}
