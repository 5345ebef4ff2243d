package job

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/mattn/go-shellwords"
)

// Description defaults
const (
	DefaultSoftwareKey     = "pyNN_version"
	DefaultSoftwareVersion = "0.7"
	DefaultCommand         = "run.py {system}"
	systemPlaceholder      = "{system}"
)

// Description tells an execution backend what to run for one job.
type Description struct {
	JobID            int64
	Name             string // job_<id>, also the working directory's base name
	WorkingDirectory string
	Executable       string
	Arguments        []string
	Queue            string // partition; empty for the backend default
	Output           string // stdout file, relative to WorkingDirectory
	Error            string // stderr file, relative to WorkingDirectory
	Resources        Resources
}

// Resources are optional limits requested through the job's hardware configuration.
type Resources struct {
	CPUs        float64
	MemoryBytes int64
}

// OutputPath returns the absolute path of the stdout file.
func (d *Description) OutputPath() string {
	return filepath.Join(d.WorkingDirectory, d.Output)
}

// ErrorPath returns the absolute path of the stderr file.
func (d *Description) ErrorPath() string {
	return filepath.Join(d.WorkingDirectory, d.Error)
}

// DescriptionConfig holds the site settings used to build descriptions.
type DescriptionConfig struct {
	WorkingRoot            string
	Executables            map[string]string // software version -> executable path
	SoftwareKey            string            // hardware_config key selecting the version
	DefaultSoftwareVersion string
	DefaultCommand         string
	DefaultSystem          string // substituted for {system} in the command
	Queue                  string
}

// withDefaults fills in zero values with defaults.
func (c DescriptionConfig) withDefaults() DescriptionConfig {
	if c.SoftwareKey == "" {
		c.SoftwareKey = DefaultSoftwareKey
	}
	if c.DefaultSoftwareVersion == "" {
		c.DefaultSoftwareVersion = DefaultSoftwareVersion
	}
	if c.DefaultCommand == "" {
		c.DefaultCommand = DefaultCommand
	}
	return c
}

// Name returns the per-job directory name.
func Name(id int64) string {
	return "job_" + strconv.FormatInt(id, 10)
}

// WorkingDirectory returns the deterministic working directory of a job.
func WorkingDirectory(root string, id int64) string {
	return filepath.Join(root, Name(id))
}

// BuildDescription constructs the backend description for a job.
func BuildDescription(j *Job, cfg DescriptionConfig) (*Description, error) {
	cfg = cfg.withDefaults()

	version := cfg.DefaultSoftwareVersion
	if v, ok := j.HardwareConfig[cfg.SoftwareKey]; ok && v != nil {
		version = fmt.Sprint(v)
	}
	executable, ok := cfg.Executables[version]
	if !ok {
		supported := make([]string, 0, len(cfg.Executables))
		for v := range cfg.Executables {
			supported = append(supported, v)
		}
		slices.Sort(supported)
		return nil, fmt.Errorf("supported %s values: %s; %q not supported",
			cfg.SoftwareKey, strings.Join(supported, ", "), version)
	}

	resources, err := parseResources(j.HardwareConfig)
	if err != nil {
		return nil, err
	}

	name := Name(j.ID)
	workdir := WorkingDirectory(cfg.WorkingRoot, j.ID)

	command := j.Command
	if command == "" {
		command = cfg.DefaultCommand
	}
	command = strings.ReplaceAll(command, systemPlaceholder, cfg.DefaultSystem)
	command = strings.TrimSpace(command)
	if !filepath.IsAbs(command) {
		command = workdir + string(filepath.Separator) + command
	}

	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	return &Description{
		JobID:            j.ID,
		Name:             name,
		WorkingDirectory: workdir,
		Executable:       executable,
		Arguments:        args,
		Queue:            cfg.Queue,
		Output:           name + ".out",
		Error:            name + ".err",
		Resources:        resources,
	}, nil
}

// parseResources reads "cpus" and "memory" from a hardware configuration.
// Memory is either a size string ("512m", "2g") or a number of megabytes.
func parseResources(hw map[string]any) (Resources, error) {
	var r Resources

	switch v := hw["cpus"].(type) {
	case nil:
	case float64:
		r.CPUs = v
	case string:
		cpus, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return r, fmt.Errorf("invalid cpus %q: %w", v, err)
		}
		r.CPUs = cpus
	default:
		return r, fmt.Errorf("invalid cpus value %v", v)
	}

	switch v := hw["memory"].(type) {
	case nil:
	case float64:
		r.MemoryBytes = int64(v * units.MiB)
	case string:
		bytes, err := units.RAMInBytes(v)
		if err != nil {
			return r, fmt.Errorf("invalid memory %q: %w", v, err)
		}
		r.MemoryBytes = bytes
	default:
		return r, fmt.Errorf("invalid memory value %v", v)
	}

	return r, nil
}
