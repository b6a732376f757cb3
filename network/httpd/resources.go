package httpd

import (
	"embed"
	"errors"
	"io/fs"
	"path"
	"strings"
)

//go:embed www
var embedded embed.FS

// WebRoot returns the built in read-only pages
func WebRoot() fs.FS {
	sub, err := fs.Sub(embedded, "www")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrBadFilename is returned for upload names that are not a plain file
// name in the upload directory.
var ErrBadFilename = errors.New("bad file name")

// ValidFilename checks an X-Filename value
func ValidFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrBadFilename
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ErrBadFilename
	}
	return nil
}

// overlay looks a name up in each file system in turn
type overlay []fs.FS

func (o overlay) Open(name string) (fs.File, error) {
	var firstErr error
	for _, fsys := range o {
		if fsys == nil {
			continue
		}
		f, err := fsys.Open(name)
		if err == nil {
			st, serr := f.Stat()
			if serr == nil && !st.IsDir() {
				return f, nil
			}
			f.Close()
			err = fs.ErrNotExist
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = fs.ErrNotExist
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: firstErr}
}

// resourceName maps a request path to a name in the resource collection
func resourceName(uri string) (string, bool) {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	name := strings.TrimPrefix(path.Clean(uri), "/")
	if name == "" {
		name = "index.html"
	}
	return name, fs.ValidPath(name)
}

// contentType picks the Content-Type from the file extension
func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".shtml":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js":
		return "text/javascript"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".jpg":
		return "image/jpeg"
	}
	return "text/plain"
}
