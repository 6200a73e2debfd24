// Package layout resolves the canonical filesystem locations of an installed
// package and expands the ${...} placeholders that formulas use to refer to
// them.
//
// Every location is a pure function of (installation root, package name,
// package version). Nothing is read from the environment, so the patcher, the
// bootstrapper and the service generator can each resolve the layout on their
// own and still agree byte for byte.
package layout

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrOutsideRoot is returned when a formula path resolves outside the
// installation root.
var ErrOutsideRoot = errors.New("path is outside the installation root")

// Layout is the resolved set of locations for one package version.
type Layout struct {
	// Root is the installation root every other path lives under.
	Root string `json:"root"`

	// Name is the package name.
	Name string `json:"name"`

	// Version is the package version.
	Version string `json:"version"`

	// PackageDir holds every installed version of the package (root/name).
	PackageDir string `json:"package_dir"`

	// Prefix is the versioned install directory (root/name/version).
	Prefix string `json:"prefix"`

	Bin     string `json:"bin"`
	Sbin    string `json:"sbin"`
	Lib     string `json:"lib"`
	Libexec string `json:"libexec"`
	Include string `json:"include"`
	Share   string `json:"share"`

	// Etc is the configuration root. It is shared by all versions of the
	// package so configuration survives upgrades.
	Etc string `json:"etc"`

	// Var is the variable-data root. Like Etc it is not versioned: the data
	// store initialized by the bootstrap phase must outlive an upgrade.
	Var string `json:"var"`

	// OptBin is a version-independent bin directory that service descriptors
	// point at.
	OptBin string `json:"opt_bin"`
}

// Resolve computes the layout for name at version under root.
// It never fails; callers are expected to pass validated identifiers.
func Resolve(root, name, version string) Layout {
	root = filepath.Clean(root)
	pkgDir := filepath.Join(root, name)
	prefix := filepath.Join(pkgDir, version)

	return Layout{
		Root:       root,
		Name:       name,
		Version:    version,
		PackageDir: pkgDir,
		Prefix:     prefix,
		Bin:        filepath.Join(prefix, "bin"),
		Sbin:       filepath.Join(prefix, "sbin"),
		Lib:        filepath.Join(prefix, "lib"),
		Libexec:    filepath.Join(prefix, "libexec"),
		Include:    filepath.Join(prefix, "include"),
		Share:      filepath.Join(prefix, "share"),
		Etc:        filepath.Join(root, "etc", name),
		Var:        filepath.Join(root, "var", name),
		OptBin:     filepath.Join(root, "opt", name, "bin"),
	}
}

// VersionedPaths returns the paths owned exclusively by this version.
func (l Layout) VersionedPaths() []string {
	return []string{l.Prefix, l.Bin, l.Sbin, l.Lib, l.Libexec, l.Include, l.Share}
}

// Paths returns every path of the layout in a stable order.
func (l Layout) Paths() []string {
	paths := append(l.VersionedPaths(), l.PackageDir, l.Etc, l.Var, l.OptBin)
	sort.Strings(paths)
	return paths
}

// Abs resolves p against the prefix unless it is already absolute.
func (l Layout) Abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(l.Prefix, p)
}

// Confine resolves p like Abs and fails unless the result lies strictly
// inside the installation root.
func (l Layout) Confine(p string) (string, error) {
	abs := l.Abs(p)
	if abs == l.Root || !Within(l.Root, abs) {
		return abs, fmt.Errorf("%w: %s", ErrOutsideRoot, abs)
	}
	return abs, nil
}

// Within reports whether path is dir or lies below it. Both are compared
// lexically.
func Within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Vars returns the placeholder values this layout contributes to template
// expansion.
func (l Layout) Vars() Vars {
	return Vars{
		"layout.root":        l.Root,
		"layout.package_dir": l.PackageDir,
		"layout.prefix":      l.Prefix,
		"layout.bin":         l.Bin,
		"layout.sbin":        l.Sbin,
		"layout.lib":         l.Lib,
		"layout.libexec":     l.Libexec,
		"layout.include":     l.Include,
		"layout.share":       l.Share,
		"layout.etc":         l.Etc,
		"layout.var":         l.Var,
		"layout.opt_bin":     l.OptBin,
		"package.name":       l.Name,
		"package.version":    l.Version,
	}
}
