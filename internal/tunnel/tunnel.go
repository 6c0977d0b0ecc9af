// Package tunnel discovers the public URL the agent reaches the relay through.
package tunnel

import (
	"os"
	"strings"
)

// File reads the tunnel URL from a sidecar file written by the tunnel
// supervisor. The file is read on every call so a restarted tunnel is picked
// up without restarting the relay.
type File struct {
	Path   string
	Static string // overrides Path when set
}

// New returns a File source. static may be empty.
func New(path, static string) *File {
	return &File{Path: path, Static: strings.TrimSpace(static)}
}

// URL returns the current tunnel URL, or "" when there is none.
func (f *File) URL() string {
	if f.Static != "" {
		return f.Static
	}
	if f.Path == "" {
		return ""
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
