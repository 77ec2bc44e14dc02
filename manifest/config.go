// Package manifest loads the declarative build configuration consumed by the
// generators and maps it onto the core's types.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/Elektrobit/ebcl-build-tools/apt"
	"github.com/Elektrobit/ebcl-build-tools/compose"
	"github.com/Elektrobit/ebcl-build-tools/deb"
	"github.com/Elektrobit/ebcl-build-tools/stage"
)

// InvalidConfiguration reports a config file the generators cannot act on.
type InvalidConfiguration struct {
	Msg string
}

func (e *InvalidConfiguration) Error() string { return e.Msg }

func invalidf(format string, args ...interface{}) error {
	return &InvalidConfiguration{Msg: fmt.Sprintf(format, args...)}
}

// DeviceSpec describes a device node the initrd generator creates.
type DeviceSpec struct {
	Name  string
	Type  string // "char" or "block"
	Major int64
	Minor int64
	UID   int
	GID   int
	Mode  os.FileMode
}

// Config is the parsed build configuration. Keys not recognized here are
// ignored; they belong to the generator layers wrapped around the core.
type Config struct {
	Name string
	Arch string

	Repos    []apt.RepoConfig
	Packages []deb.PackageRef
	Pins     map[string]deb.Version

	// Essential pulls in every package marked Essential: yes.
	Essential bool

	Kernel  *deb.PackageRef
	Busybox *deb.PackageRef

	Modules       []string
	ModulesFolder string
	RootDevice    string
	Devices       []DeviceSpec

	HostFiles   []stage.Overlay
	BaseTarball string
	Template    string
	// CollectFiles are glob patterns the boot generator copies out of the
	// package content (kernel images, device trees).
	CollectFiles []string
	Hostname     string
	Domain       string

	Format      compose.Format
	Compression compose.Compression
	// FormatSet distinguishes an explicit output_format from the
	// generator-specific default.
	FormatSet    bool
	Reproducible bool

	// OutputPath is where the generator writes its artifact.
	OutputPath string
	// CacheDir overrides the default download cache location.
	CacheDir string

	dir string
}

// yaml DTOs, decoded leniently: unknown keys are generator concerns.
type yamlRepo struct {
	AptRepo    string   `yaml:"apt_repo"`
	Distro     string   `yaml:"distro"`
	Components []string `yaml:"components"`
	Arch       string   `yaml:"arch"`
	Key        string   `yaml:"key"`
	Trust      string   `yaml:"trust"`
}

type yamlHostFile struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Mode        string `yaml:"mode"`
	UID         int    `yaml:"uid"`
	GID         int    `yaml:"gid"`
}

type yamlDevice struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Major int64  `yaml:"major"`
	Minor int64  `yaml:"minor"`
	UID   int    `yaml:"uid"`
	GID   int    `yaml:"gid"`
	Mode  string `yaml:"mode"`
}

type yamlConfig struct {
	Name          string            `yaml:"name"`
	Arch          string            `yaml:"arch"`
	AptRepos      []yamlRepo        `yaml:"apt_repos"`
	Packages      []string          `yaml:"packages"`
	Pins          map[string]string `yaml:"pins"`
	Essential     bool              `yaml:"essential"`
	Kernel        string            `yaml:"kernel"`
	Busybox       string            `yaml:"busybox"`
	Modules       []string          `yaml:"modules"`
	ModulesFolder string            `yaml:"modules_folder"`
	RootDevice    string            `yaml:"root_device"`
	Devices       []yamlDevice      `yaml:"devices"`
	HostFiles     []yamlHostFile    `yaml:"host_files"`
	BaseTarball   string            `yaml:"base_tarball"`
	Template      string            `yaml:"template"`
	Files         []string          `yaml:"files"`
	Hostname      string            `yaml:"hostname"`
	Domain        string            `yaml:"domain"`
	OutputFormat  string            `yaml:"output_format"`
	Reproducible  bool              `yaml:"reproducible"`
	CacheDir      string            `yaml:"cache_dir"`
}

// Load reads and parses the config file. Relative paths inside the config
// resolve against the config file's directory.
func Load(path, outputPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalidf("reading config %s: %v", path, err)
	}

	var dto yamlConfig
	if err := yaml.Unmarshal(data, &dto); err != nil {
		return nil, invalidf("parsing config %s: %v", path, err)
	}

	cfg := &Config{
		Name:         dto.Name,
		Arch:         dto.Arch,
		Essential:    dto.Essential,
		Modules:      dto.Modules,
		RootDevice:   dto.RootDevice,
		CollectFiles: dto.Files,
		Hostname:     dto.Hostname,
		Domain:       dto.Domain,
		Reproducible: dto.Reproducible,
		CacheDir:     dto.CacheDir,
		OutputPath:   outputPath,
		dir:          filepath.Dir(path),
	}

	if cfg.Arch == "" {
		return nil, invalidf("config %s does not set arch", path)
	}

	for _, r := range dto.AptRepos {
		if r.AptRepo == "" {
			return nil, invalidf("apt_repos entry without apt_repo url")
		}
		cfg.Repos = append(cfg.Repos, apt.RepoConfig{
			URL:        r.AptRepo,
			Suite:      r.Distro,
			Components: r.Components,
			Arch:       r.Arch,
			Key:        r.Key,
			Trust:      apt.TrustPolicy(r.Trust),
		})
	}

	for _, p := range dto.Packages {
		ref, err := deb.ParseRef(p)
		if err != nil {
			return nil, invalidf("invalid package entry %q: %v", p, err)
		}
		cfg.Packages = append(cfg.Packages, ref)
	}

	if len(dto.Pins) > 0 {
		cfg.Pins = make(map[string]deb.Version, len(dto.Pins))
		for name, v := range dto.Pins {
			ver, err := deb.ParseVersion(v)
			if err != nil {
				return nil, invalidf("invalid pin for %s: %v", name, err)
			}
			cfg.Pins[name] = ver
		}
	}

	if dto.Kernel != "" {
		ref, err := deb.ParseRef(dto.Kernel)
		if err != nil {
			return nil, invalidf("invalid kernel entry %q: %v", dto.Kernel, err)
		}
		cfg.Kernel = &ref
	}
	if dto.Busybox != "" {
		ref, err := deb.ParseRef(dto.Busybox)
		if err != nil {
			return nil, invalidf("invalid busybox entry %q: %v", dto.Busybox, err)
		}
		cfg.Busybox = &ref
	}

	for _, d := range dto.Devices {
		if d.Type != "char" && d.Type != "block" {
			return nil, invalidf("device %s has unsupported type %q", d.Name, d.Type)
		}
		mode, err := parseOctalMode(d.Mode, defaultDeviceMode(d.Type))
		if err != nil {
			return nil, invalidf("device %s: %v", d.Name, err)
		}
		cfg.Devices = append(cfg.Devices, DeviceSpec{
			Name:  d.Name,
			Type:  d.Type,
			Major: d.Major,
			Minor: d.Minor,
			UID:   d.UID,
			GID:   d.GID,
			Mode:  mode,
		})
	}

	for _, h := range dto.HostFiles {
		if h.Source == "" {
			return nil, invalidf("host_files entry without source")
		}
		mode, err := parseOctalMode(h.Mode, 0)
		if err != nil {
			return nil, invalidf("host file %s: %v", h.Source, err)
		}
		cfg.HostFiles = append(cfg.HostFiles, stage.Overlay{
			Source:      cfg.resolve(h.Source),
			Destination: h.Destination,
			Mode:        mode,
			UID:         h.UID,
			GID:         h.GID,
		})
	}

	if dto.BaseTarball != "" {
		cfg.BaseTarball = cfg.resolve(dto.BaseTarball)
	}
	if dto.Template != "" {
		cfg.Template = cfg.resolve(dto.Template)
	}
	if dto.ModulesFolder != "" {
		cfg.ModulesFolder = cfg.resolve(dto.ModulesFolder)
	}

	format := dto.OutputFormat
	if format == "" {
		format = "tar"
	} else {
		cfg.FormatSet = true
	}
	cfg.Format, cfg.Compression, err = compose.ParseFormat(format)
	if err != nil {
		return nil, &InvalidConfiguration{Msg: err.Error()}
	}

	return cfg, nil
}

// resolve maps a config-relative path to an absolute one.
func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.dir, path)
}

// ComposeOptions derives the composer options for the config, reading
// SOURCE_DATE_EPOCH when reproducibility is on.
func (c *Config) ComposeOptions() compose.Options {
	return compose.Options{
		Format:          c.Format,
		Compression:     c.Compression,
		Reproducible:    c.Reproducible,
		SourceDateEpoch: compose.SourceDateEpochFromEnv(),
	}
}

func parseOctalMode(s string, fallback os.FileMode) (os.FileMode, error) {
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return os.FileMode(v), nil
}

func defaultDeviceMode(devType string) os.FileMode {
	if devType == "char" {
		return 0o200
	}
	return 0o600
}
