package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/layout"
)

// StepError is a failed install step.
type StepError struct {
	Index int
	Step  formula.InstallStep
	Err   error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("install step %d (%s %s): %v", e.Index, e.Step.Op, e.Step.Path, e.Err)
}

// Unwrap returns the cause.
func (e *StepError) Unwrap() error {
	return e.Err
}

// applyInstallSteps runs steps in order against the installed tree.
func applyInstallSteps(steps []formula.InstallStep, l layout.Layout, vars layout.Vars) error {
	for i, step := range steps {
		if err := applyInstallStep(step, l, vars); err != nil {
			return &StepError{Index: i, Step: step, Err: err}
		}
	}
	return nil
}

// applyInstallStep runs one step. Every path it touches, after placeholder
// expansion and symlink resolution, must stay inside the installation root.
// Symlink targets are exempt: creating a link does not write through it.
func applyInstallStep(step formula.InstallStep, l layout.Layout, vars layout.Vars) error {
	path, err := l.Confine(vars.Expand(step.Path))
	if err != nil {
		return err
	}

	switch step.Op {
	case formula.InstallOpMkdir:
		if err := confineResolved(l, path); err != nil {
			return err
		}
		return os.MkdirAll(path, 0o755)

	case formula.InstallOpTouch:
		if err := confineResolved(l, path); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		now := time.Now()
		return os.Chtimes(path, now, now)

	case formula.InstallOpRemove:
		// The entry itself may be a link pointing anywhere; only its
		// directory has to resolve inside the root.
		if err := confineResolved(l, filepath.Dir(path)); err != nil {
			return err
		}
		return os.RemoveAll(path)

	case formula.InstallOpSymlink:
		// Relative targets are kept relative to the link's directory.
		target := vars.Expand(step.Target)
		if err := confineResolved(l, filepath.Dir(path)); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return os.Symlink(target, path)

	case formula.InstallOpMove:
		if err := confineResolved(l, filepath.Dir(path)); err != nil {
			return err
		}
		target := vars.Expand(step.Target)
		intoDir := strings.HasSuffix(target, "/")
		dest, err := l.Confine(target)
		if err != nil {
			return err
		}
		if err := confineResolved(l, dest); err != nil {
			return err
		}
		if info, err := os.Stat(dest); err == nil && info.IsDir() {
			intoDir = true
		}
		if intoDir {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			dest = filepath.Join(dest, filepath.Base(path))
		} else if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.Rename(path, dest)

	case formula.InstallOpWrite:
		mode := os.FileMode(0o644)
		if step.Mode != "" {
			m, err := strconv.ParseUint(step.Mode, 8, 32)
			if err != nil {
				return fmt.Errorf("invalid mode %q: %w", step.Mode, err)
			}
			mode = os.FileMode(m)
		}
		if err := confineResolved(l, path); err != nil {
			return err
		}
		// Files outside the versioned prefix are shared across versions and
		// are never replaced once they exist.
		if !layout.Within(l.Prefix, path) {
			if _, err := os.Lstat(path); err == nil {
				return nil
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(vars.Expand(step.Content)), mode); err != nil {
			return err
		}
		return os.Chmod(path, mode)
	}

	return fmt.Errorf("unknown install op %q", step.Op)
}

// confineResolved fails when path, with every existing symlink along it
// followed, lands outside the installation root. Components that do not
// exist yet are fine, except a dangling link, whose target is followed.
func confineResolved(l layout.Layout, path string) error {
	root, err := filepath.EvalSymlinks(l.Root)
	if err != nil {
		// Nothing exists under the root yet, so there is nothing to follow.
		return nil
	}

	p := path
	for hops := 0; hops < 40; {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			if !layout.Within(root, real) {
				return fmt.Errorf("%w: %s resolves to %s", layout.ErrOutsideRoot, path, real)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if target, lerr := os.Readlink(p); lerr == nil {
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(p), target)
			}
			p = filepath.Clean(target)
			hops++
			continue
		}
		p = filepath.Dir(p)
	}
	return fmt.Errorf("%s: too many levels of symbolic links", path)
}

// listFiles returns the non-directory entries under dir relative to it,
// sorted. A missing dir yields nothing.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
