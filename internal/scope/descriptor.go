package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Descriptor is the part of a pipeline configuration the sync needs.
type Descriptor struct {
	// ProjectID is the project the pipeline configuration belongs to
	ProjectID int

	// DataRoot is the primary storage root on this platform
	DataRoot string

	// Root is the pipeline configuration root it was loaded from
	Root string
}

// DescriptorLoader loads a Descriptor from a pipeline configuration root.
type DescriptorLoader interface {
	Load(pipelineRoot string) (*Descriptor, error)
}

// FileLoader reads descriptors from the local filesystem:
//
//	<root>/config/core/pipeline_configuration.yml   project_id: 65
//	<root>/config/core/roots.yml                    primary: {linux_path: ..., mac_path: ..., windows_path: ...}
type FileLoader struct {
	// Platform overrides the host platform when choosing a storage path
	Platform string
}

type pipelineFile struct {
	ProjectID int    `yaml:"project_id"`
	Name      string `yaml:"project_name"`
}

type storageRoot struct {
	LinuxPath   string `yaml:"linux_path"`
	MacPath     string `yaml:"mac_path"`
	WindowsPath string `yaml:"windows_path"`
}

// Load implements DescriptorLoader.
func (l *FileLoader) Load(pipelineRoot string) (*Descriptor, error) {
	core := filepath.Join(pipelineRoot, "config", "core")

	var pc pipelineFile
	if err := readYAML(filepath.Join(core, "pipeline_configuration.yml"), &pc); err != nil {
		return nil, err
	}
	if pc.ProjectID == 0 {
		return nil, fmt.Errorf("%s names no project_id", filepath.Join(core, "pipeline_configuration.yml"))
	}

	var roots map[string]storageRoot
	if err := readYAML(filepath.Join(core, "roots.yml"), &roots); err != nil {
		return nil, err
	}

	root, ok := roots["primary"]
	if !ok {
		if len(roots) != 1 {
			return nil, fmt.Errorf("roots.yml has no primary storage")
		}
		for _, only := range roots {
			root = only
		}
	}

	dataRoot := root.pathFor(l.goos())
	if dataRoot == "" {
		return nil, fmt.Errorf("primary storage has no path for %s", l.goos())
	}

	return &Descriptor{ProjectID: pc.ProjectID, DataRoot: dataRoot, Root: pipelineRoot}, nil
}

func (l *FileLoader) goos() string {
	switch l.Platform {
	case "":
		return runtime.GOOS
	case "linux2":
		return "linux"
	case "win32":
		return "windows"
	}
	return l.Platform
}

func (r storageRoot) pathFor(goos string) string {
	switch goos {
	case "darwin":
		return r.MacPath
	case "windows":
		return r.WindowsPath
	}
	return r.LinuxPath
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
