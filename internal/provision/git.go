package provision

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Cloner clones a source repository into a directory.
type Cloner interface {
	Clone(ctx context.Context, url, dir string) error
}

// GitCloner clones with the git command line, including submodules.
type GitCloner struct {
	Binary string // defaults to "git"
}

// Clone runs git clone --recursive url dir.
func (g GitCloner) Clone(ctx context.Context, url, dir string) error {
	binary := g.Binary
	if binary == "" {
		binary = "git"
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "clone", "--recursive", url, dir)
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone %s: %w: %s", url, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
