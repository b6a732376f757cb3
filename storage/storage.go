// Package storage is the file area shared by uploads, file transfers and
// the console's file commands. Every name is resolved inside the root
// directory; names that would leave it are rejected.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrBadName is returned for empty names and names escaping the root
var ErrBadName = errors.New("bad file name")

// Root is an open storage directory
type Root struct {
	dir  string
	root *os.Root
}

// Open creates dir if needed and opens it as a storage root
func Open(dir string) (*Root, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	r, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open storage root: %w", err)
	}
	return &Root{dir: dir, root: r}, nil
}

// Dir returns the directory the root was opened on
func (r *Root) Dir() string {
	return r.dir
}

// Close releases the root directory
func (r *Root) Close() error {
	return r.root.Close()
}

// clean maps a client supplied name to a path relative to the root.
// A leading slash is accepted, as is the historical /sd/ prefix.
func clean(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/sd/")
	name = strings.TrimLeft(name, "/")
	if name == "" || !fs.ValidPath(name) {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return name, nil
}

// Create opens name for writing, truncating an existing file
func (r *Root) Create(name string) (*os.File, error) {
	p, err := clean(name)
	if err != nil {
		return nil, err
	}
	return r.root.Create(p)
}

// Append opens name for writing at its end, creating it if needed
func (r *Root) Append(name string) (*os.File, error) {
	p, err := clean(name)
	if err != nil {
		return nil, err
	}
	return r.root.OpenFile(p, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
}

// Open opens name for reading
func (r *Root) Open(name string) (*os.File, error) {
	p, err := clean(name)
	if err != nil {
		return nil, err
	}
	return r.root.Open(p)
}

// Remove deletes name
func (r *Root) Remove(name string) error {
	p, err := clean(name)
	if err != nil {
		return err
	}
	return r.root.Remove(p)
}

// List returns the entries of dir sorted by name. An empty dir lists the
// root itself.
func (r *Root) List(dir string) ([]fs.DirEntry, error) {
	p := "."
	if strings.Trim(dir, "/ ") != "" {
		var err error
		if p, err = clean(dir); err != nil {
			return nil, err
		}
	}
	return fs.ReadDir(r.root.FS(), p)
}

// FS returns a read-only view of the root
func (r *Root) FS() fs.FS {
	return r.root.FS()
}
