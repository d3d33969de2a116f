package macro

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Resolver maps firmware file names such as "homeall.g" or
// "0:/sys/config.g" to files on the host.
type Resolver struct {
	// Root stands in for the firmware's first volume
	Root string

	// Directory holds system macros; relative to Root unless absolute
	Directory string

	// GCodes holds print files; relative to Root unless absolute
	GCodes string

	// ConfigFile falls back to ConfigBackup when it is missing
	ConfigFile   string
	ConfigBackup string
}

// DefaultResolver returns the standard layout below root
func DefaultResolver(root string) *Resolver {
	return &Resolver{
		Root:         root,
		Directory:    "sys",
		GCodes:       "gcodes",
		ConfigFile:   "config.g",
		ConfigBackup: "config.g.bak",
	}
}

// physical resolves name against dir. Volume prefixes ("0:") are dropped,
// rooted names are taken relative to Root, and no name escapes Root.
func (r *Resolver) physical(name, dir string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.IndexByte(name, ':'); i > 0 && i < 3 {
		name = name[i+1:]
	}
	if strings.HasPrefix(name, "/") {
		return filepath.Join(r.Root, filepath.FromSlash(path.Clean(name)))
	}
	if filepath.IsAbs(dir) {
		return filepath.Join(dir, filepath.FromSlash(path.Clean("/"+name)))
	}
	return filepath.Join(r.Root, filepath.FromSlash(path.Join("/", filepath.ToSlash(dir), name)))
}

// System resolves a macro file name
func (r *Resolver) System(name string) string {
	return r.physical(name, r.Directory)
}

// Job resolves the name of a file to print
func (r *Resolver) Job(name string) string {
	return r.physical(name, r.GCodes)
}

// IsConfig reports whether name refers to the config file
func (r *Resolver) IsConfig(name string) bool {
	return r.System(name) == r.System(r.ConfigFile)
}

// Macro locates a macro file. A missing config file is replaced by its
// backup, in which case fallback is true. A file that cannot be found
// yields an error wrapping os.ErrNotExist.
func (r *Resolver) Macro(name string) (p string, fallback bool, err error) {
	p = r.System(name)
	if exists(p) {
		return p, false, nil
	}
	if r.IsConfig(name) && r.ConfigBackup != "" {
		backup := r.System(r.ConfigBackup)
		if exists(backup) {
			return backup, true, nil
		}
		return p, false, fmt.Errorf("macro files %s and %s: %w", r.ConfigFile, r.ConfigBackup, os.ErrNotExist)
	}
	return p, false, fmt.Errorf("macro file %s: %w", name, os.ErrNotExist)
}

func exists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

// ReadChunk reads up to len(buf) bytes of the file at p from offset into
// buf. It is used to serve file chunk requests from the firmware.
func ReadChunk(p string, offset int64, buf []byte) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}
