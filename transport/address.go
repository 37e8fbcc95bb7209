// Package transport resolves REPL addresses and opens the socket a
// connection runs over.
package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Auto is the address sentinel that reads the port from a marker file in the
// workspace root.
const Auto = "auto"

// DefaultPortFiles are the marker files searched, in order, to resolve Auto.
var DefaultPortFiles = []string{".nrepl-port", ".shadow-cljs/nrepl.port", ".repl-port"}

// Errors for address handling.
var (
	// ErrInvalidAddress is returned when an address is neither host:port nor an existing socket path.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrNoPortFile is returned when Auto cannot be resolved.
	ErrNoPortFile = errors.New("no port file found")
)

var (
	hostPortRe = regexp.MustCompile(`^\s*([^:/\s]+):(\d+)\s*$`)
	validRe    = regexp.MustCompile(`^([a-zA-Z0-9.\-]+):(\d{1,5})$`)
	portRe     = regexp.MustCompile(`^[1-9][0-9]*$`)
)

// Detect returns the network ("tcp" or "unix") and dialable address for addr.
// Explicit tcp:// and unix:// prefixes win; otherwise host:port is TCP and
// anything else is treated as a unix domain socket path.
func Detect(addr string) (network, address string) {
	if rest, ok := strings.CutPrefix(addr, "unix://"); ok {
		return "unix", rest
	}
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		return "tcp", rest
	}
	if m := hostPortRe.FindStringSubmatch(addr); m != nil {
		return "tcp", m[1] + ":" + m[2]
	}
	return "unix", strings.TrimSpace(addr)
}

// Validate checks that addr is Auto, host:port with a port in 1..65535, or an
// existing file path. The tcp:// and unix:// prefixes are accepted.
func Validate(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == Auto {
		return nil
	}
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "unix://"); ok {
		if info, err := os.Stat(rest); err == nil && !info.IsDir() {
			return nil
		}
		return fmt.Errorf("%w: no socket at %q", ErrInvalidAddress, rest)
	}
	if m := validRe.FindStringSubmatch(addr); m != nil {
		port, _ := strconv.Atoi(m[2])
		if port >= 1 && port <= 65535 {
			return nil
		}
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	if info, err := os.Stat(addr); err == nil && !info.IsDir() {
		return nil
	}
	return fmt.Errorf("%w: expected <host>:<port> or <path>, got %q", ErrInvalidAddress, addr)
}

// Resolve expands Auto using the port files found under root. Other
// addresses are returned trimmed.
func Resolve(addr, root string, portFiles []string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr != Auto {
		return addr, nil
	}
	port, err := ReadPortFile(root, portFiles)
	if err != nil {
		return "", err
	}
	return "localhost:" + port, nil
}

// ReadPortFile returns the port stored in the first readable marker file
// under root. Only the first 10 bytes of a file are considered.
func ReadPortFile(root string, portFiles []string) (string, error) {
	if len(portFiles) == 0 {
		portFiles = DefaultPortFiles
	}
	for _, name := range portFiles {
		port, err := readPort(filepath.Join(root, name))
		if err != nil {
			continue
		}
		return port, nil
	}
	return "", fmt.Errorf("%w in %s (looked for %s)", ErrNoPortFile, root, strings.Join(portFiles, ", "))
}

func readPort(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 10)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", err
	}
	content := strings.TrimSpace(string(buf[:n]))
	if i := strings.IndexAny(content, "\r\n"); i >= 0 {
		content = content[:i]
	}
	if !portRe.MatchString(content) {
		return "", fmt.Errorf("%w: %s does not contain a port", ErrInvalidAddress, path)
	}
	return content, nil
}
