// Package support holds the Clojure code uploaded to the remote runtime
// during the handshake of the Enhanced and TextLine dialects.
package support

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Namespace prefixes the namespaces and keys defined by the support code.
const Namespace = "zylisp.nrepl"

// Blob names.
const (
	Core       = "core.clj"
	Middleware = "middleware.clj"
	SocketREPL = "socket_repl.clj"
)

//go:embed clojure/*.clj
var files embed.FS

var leadingSpace = regexp.MustCompile(`(?m)^\s+`)

// Bundle is the set of blobs a connection uploads.
type Bundle struct {
	Namespace  string
	Core       string
	Middleware string
	SocketREPL string
}

// Default returns the embedded bundle.
func Default() Bundle {
	b, err := Load("")
	if err != nil {
		// embedded files are part of the binary
		panic(err)
	}
	return b
}

// Load reads the bundle from dir, falling back to the embedded copy for
// files missing there. An empty dir loads the embedded bundle.
func Load(dir string) (Bundle, error) {
	b := Bundle{Namespace: Namespace}
	for name, dst := range map[string]*string{
		Core:       &b.Core,
		Middleware: &b.Middleware,
		SocketREPL: &b.SocketREPL,
	} {
		src, err := source(dir, name)
		if err != nil {
			return Bundle{}, err
		}
		*dst = src
	}
	return b, nil
}

func source(dir, name string) (string, error) {
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return Compact(string(data)), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read support file %s: %w", name, err)
		}
	}
	data, err := files.ReadFile("clojure/" + name)
	if err != nil {
		return "", fmt.Errorf("failed to read embedded support file %s: %w", name, err)
	}
	return Compact(string(data)), nil
}

// Compact strips leading whitespace from every line so the code travels as
// a smaller payload. Blank lines disappear and the result ends in a newline.
func Compact(src string) string {
	return strings.TrimSpace(leadingSpace.ReplaceAllString(src, "")) + "\n"
}
