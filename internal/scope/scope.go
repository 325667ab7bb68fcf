// Package scope decides whether depot files belong to the project this
// worker syncs.
//
// A depot project root is the nearest ancestor directory holding a marker
// file (tank/config/tank_configs.yml by default). The marker is a YAML list
// whose first element maps platform names to the local pipeline
// configuration root:
//
//	- {darwin: /Volumes/pipeline/racer, linux2: /mnt/pipeline/racer, win32: 'P:\racer'}
//
// The pipeline configuration names the project id and the primary data root
// (see Descriptor). A file is in scope when its pipeline project id matches
// the configured project.
//
// All lookups are memoized per Filter. The caches only save round trips;
// a fresh Filter resolves the same answers.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/p4sync/internal/changelist"
)

// DefaultMarker is the marker path relative to a depot project root.
const DefaultMarker = "tank/config/tank_configs.yml"

// ErrMarkerRead is returned when a marker file exists but cannot be read
// or does not name a pipeline root for this platform.
var ErrMarkerRead = errors.New("failed to read project marker")

// Config configures a Filter.
type Config struct {
	// ProjectID is the project this worker syncs
	ProjectID int

	// Marker is the marker path relative to a depot project root
	Marker string

	// Platform overrides the marker key for this host (e.g. "linux2")
	Platform string

	// Loader reads pipeline descriptors (default: FileLoader)
	Loader DescriptorLoader

	// Logger for scope decisions (default: stderr with [scope] prefix)
	Logger *log.Logger
}

// Resolution is an in-scope depot file mapped onto its pipeline.
type Resolution struct {
	// DepotRoot is the depot project root, e.g. //depot/projects/racer
	DepotRoot string

	// PipelineRoot is the local pipeline configuration root
	PipelineRoot string

	// Descriptor is the loaded pipeline configuration
	Descriptor *Descriptor

	// LocalPath is the file's path below the primary data root
	LocalPath string
}

// Filter resolves depot paths to pipeline configurations.
//
// A Filter is owned by one worker and is not safe for concurrent use.
type Filter struct {
	cfg    Config
	logger *log.Logger

	// depot project roots found so far
	roots []string

	// depot root -> pipeline root; "" caches an unresolved marker
	pipelineRoots map[string]string

	// pipeline root -> descriptor
	descriptors map[string]*Descriptor
}

// New creates a Filter.
func New(cfg Config) *Filter {
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.Loader == nil {
		cfg.Loader = &FileLoader{Platform: cfg.Platform}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[scope] ", log.LstdFlags)
	}
	return &Filter{
		cfg:           cfg,
		logger:        logger,
		pipelineRoots: make(map[string]string),
		descriptors:   make(map[string]*Descriptor),
	}
}

// InScope reports whether at least one file of the change resolves into the
// configured project. Only transient connection failures are returned as
// errors; every other resolution failure counts as "not in scope".
func (f *Filter) InScope(ctx context.Context, src changelist.Source, change *changelist.Change) (bool, error) {
	for _, file := range change.Files {
		res, err := f.Resolve(ctx, src, file.Path)
		if err != nil {
			return false, err
		}
		if res != nil {
			return true, nil
		}
	}
	return false, nil
}

// Resolve maps a depot path to its pipeline, or returns nil if the path is
// outside the configured project. Only transient connection failures are
// returned as errors.
func (f *Filter) Resolve(ctx context.Context, src changelist.Source, depotPath string) (*Resolution, error) {
	root, err := f.ProjectRoot(ctx, src, depotPath)
	if err != nil || root == "" {
		return nil, err
	}

	pcRoot, err := f.PipelineRoot(ctx, src, root)
	if err != nil {
		if changelist.IsTransient(err) {
			return nil, err
		}
		f.logger.Printf("ERROR: %v", err)
		return nil, nil
	}
	if pcRoot == "" {
		return nil, nil
	}

	desc, err := f.descriptor(pcRoot)
	if err != nil {
		f.logger.Printf("ERROR: failed to load pipeline configuration %s for %s: %v", pcRoot, depotPath, err)
		return nil, nil
	}

	if desc.ProjectID != f.cfg.ProjectID {
		return nil, nil
	}

	return &Resolution{
		DepotRoot:    root,
		PipelineRoot: pcRoot,
		Descriptor:   desc,
		LocalPath:    desc.DataRoot + depotPath[len(root):],
	}, nil
}

// ProjectRoot returns the nearest ancestor of depotPath that holds the marker
// file, or "" when there is none. Probe failures other than transient
// connection errors are treated as "marker absent here".
func (f *Filter) ProjectRoot(ctx context.Context, src changelist.Source, depotPath string) (string, error) {
	if root := f.knownRoot(depotPath); root != "" {
		return root, nil
	}

	dir := depotPath
	for {
		idx := strings.LastIndex(dir, "/")
		if idx < 0 {
			return "", nil
		}
		dir = strings.TrimRight(dir[:idx], "/")
		if strings.Trim(dir, "/") == "" {
			return "", nil
		}

		exists, err := src.FileExists(ctx, f.markerPath(dir))
		if err != nil {
			if changelist.IsTransient(err) {
				return "", fmt.Errorf("failed to probe %s: %w", f.markerPath(dir), err)
			}
			continue
		}
		if exists {
			f.roots = append(f.roots, dir)
			return dir, nil
		}
	}
}

// PipelineRoot reads the marker under depotRoot and returns the local
// pipeline configuration root for this platform. An unresolved marker is
// cached as "" and returns ("", nil) on later calls.
func (f *Filter) PipelineRoot(ctx context.Context, src changelist.Source, depotRoot string) (string, error) {
	if pcRoot, ok := f.pipelineRoots[depotRoot]; ok {
		return pcRoot, nil
	}

	marker := f.markerPath(depotRoot)
	content, err := src.Print(ctx, marker)
	if err != nil {
		if changelist.IsTransient(err) {
			return "", fmt.Errorf("failed to read %s: %w", marker, err)
		}
		f.pipelineRoots[depotRoot] = ""
		return "", fmt.Errorf("%w %s: %v", ErrMarkerRead, marker, err)
	}

	pcRoot, err := parseMarker(content, f.platformKeys())
	if err != nil {
		f.pipelineRoots[depotRoot] = ""
		return "", fmt.Errorf("%w %s: %v", ErrMarkerRead, marker, err)
	}

	f.pipelineRoots[depotRoot] = pcRoot
	return pcRoot, nil
}

func (f *Filter) descriptor(pcRoot string) (*Descriptor, error) {
	if d, ok := f.descriptors[pcRoot]; ok {
		return d, nil
	}
	d, err := f.cfg.Loader.Load(pcRoot)
	if err != nil {
		return nil, err
	}
	f.descriptors[pcRoot] = d
	return d, nil
}

// knownRoot returns the longest cached project root containing depotPath.
func (f *Filter) knownRoot(depotPath string) string {
	best := ""
	for _, root := range f.roots {
		if strings.HasPrefix(depotPath, root+"/") && len(root) > len(best) {
			best = root
		}
	}
	return best
}

func (f *Filter) markerPath(dir string) string {
	return dir + "/" + f.cfg.Marker
}

// platformKeys returns the marker keys to try for this host, in order.
func (f *Filter) platformKeys() []string {
	if f.cfg.Platform != "" {
		return []string{f.cfg.Platform}
	}
	return PlatformKeys(runtime.GOOS)
}

// PlatformKeys returns the marker keys used for a GOOS value.
func PlatformKeys(goos string) []string {
	switch goos {
	case "linux":
		return []string{"linux2", "linux"}
	case "darwin":
		return []string{"darwin"}
	case "windows":
		return []string{"win32", "windows"}
	}
	return []string{goos}
}

// parseMarker extracts the pipeline root for the first matching key.
func parseMarker(content []byte, keys []string) (string, error) {
	var entries []map[string]any
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return "", fmt.Errorf("invalid yaml: %w", err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("marker lists no configurations")
	}

	for _, key := range keys {
		if v, ok := entries[0][key]; ok {
			s, ok := v.(string)
			if !ok || s == "" {
				return "", fmt.Errorf("pipeline root for %s is not a path", key)
			}
			return s, nil
		}
	}
	return "", fmt.Errorf("no pipeline root for platform %s", strings.Join(keys, "/"))
}
