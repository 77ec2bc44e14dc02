package initrd

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Module is one kernel module from the modules.dep index.
type Module struct {
	// Path is the module file path relative to lib/modules/<kver>.
	Path string
	// Dependencies are the modules that must load first.
	Dependencies []*Module
	// Builtin marks modules compiled into the kernel image.
	Builtin bool
}

// Name returns the module name ("virtio_blk" for ".../virtio_blk.ko.zst").
func (m *Module) Name() string {
	return moduleName(m.Path)
}

func moduleName(p string) string {
	base := path.Base(p)
	if idx := strings.Index(base, "."); idx != -1 {
		return base[:idx]
	}
	return base
}

// DependencyLine renders the module's modules.dep entry.
func (m *Module) DependencyLine() string {
	deps := make([]string, len(m.Dependencies))
	for i, d := range m.Dependencies {
		deps[i] = d.Path
	}
	return fmt.Sprintf("%s: %s", m.Path, strings.Join(deps, " "))
}

// Modules is the registry parsed from modules.dep and modules.builtin.
type Modules struct {
	byName map[string]*Module
}

// LoadModules parses the index files under dir (lib/modules/<kver>).
func LoadModules(dir string) (*Modules, error) {
	m := &Modules{byName: make(map[string]*Module)}

	dep, err := os.Open(path.Join(dir, "modules.dep"))
	if err != nil {
		return nil, fmt.Errorf("opening modules.dep: %w", err)
	}
	defer dep.Close()

	scanner := bufio.NewScanner(dep)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		modPath, depends, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		mod := m.getOrCreate(modPath)
		for _, d := range strings.Fields(depends) {
			mod.Dependencies = append(mod.Dependencies, m.getOrCreate(d))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading modules.dep: %w", err)
	}

	builtin, err := os.Open(path.Join(dir, "modules.builtin"))
	if err == nil {
		defer builtin.Close()
		bscan := bufio.NewScanner(builtin)
		for bscan.Scan() {
			line := strings.TrimSpace(bscan.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			m.getOrCreate(line).Builtin = true
		}
	}

	return m, nil
}

func (m *Modules) getOrCreate(p string) *Module {
	p = strings.TrimSpace(p)
	name := moduleName(p)
	if mod, ok := m.byName[name]; ok {
		return mod
	}
	mod := &Module{Path: p}
	m.byName[name] = mod
	return mod
}

// Find looks a module up by name. The historical file-name form ("foo.ko") is
// accepted with a deprecation warning.
func (m *Modules) Find(name string) *Module {
	if strings.Contains(name, ".ko") {
		short := moduleName(name)
		logrus.WithFields(logrus.Fields{"given": name, "name": short}).
			Warn("module given as file name, use the bare module name")
		name = short
	}
	mod := m.byName[name]
	if mod == nil {
		names := make([]string, 0, len(m.byName))
		for n := range m.byName {
			names = append(names, n)
		}
		sort.Strings(names)
		logrus.WithField("available", len(names)).Debugf("module %s not found", name)
	}
	return mod
}

// Closure returns the module plus all recursive dependencies.
func (m *Modules) Closure(mod *Module) []*Module {
	seen := make(map[*Module]bool)
	var out []*Module
	var visit func(*Module)
	visit = func(cur *Module) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		for _, d := range cur.Dependencies {
			visit(d)
		}
		out = append(out, cur)
	}
	visit(mod)
	return out
}
