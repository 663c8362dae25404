package coordination

import (
	"fmt"
	"path"
	"strings"
)

// Join builds an absolute store path from segments, e.g.
// Join("tenants", "t1", "sessions", "2") == "/tenants/t1/sessions/2".
// Segments may themselves be paths: Join("/tenants/t1", "sessions") works too.
func Join(segments ...string) string {
	return path.Join(append([]string{"/"}, segments...)...)
}

// ValidatePath rejects relative paths, empty segments and trailing slashes.
func ValidatePath(path string) error {
	if path == "/" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q is not absolute", path)
	}
	for _, segment := range strings.Split(path[1:], "/") {
		if segment == "" {
			return fmt.Errorf("path %q has an empty segment", path)
		}
	}
	return nil
}

// Parent returns the parent path; the parent of a top-level node is "/".
func Parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// Base returns the last segment of path.
func Base(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// Under reports whether path equals prefix or lies below it.
func Under(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
