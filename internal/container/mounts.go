package container

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/mtzanidakis/clawreform/internal/shell"
)

// containerWorkspace is where the workspace root appears inside task
// containers.
const containerWorkspace = "/workspace"

func workspaceRoot(root string) (string, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return abs, nil
}

func workspaceBind(root string) string {
	return fmt.Sprintf("%s:%s", root, containerWorkspace)
}

// containerWorkdir resolves the requested directory on the host, confined
// to root, and returns it together with the matching path in the
// container.
func containerWorkdir(root, requested string) (hostDir, workdir string) {
	hostDir = shell.ResolveDir(root, requested)
	rel, err := filepath.Rel(root, hostDir)
	if err != nil || rel == "." {
		return hostDir, containerWorkspace
	}
	return hostDir, path.Join(containerWorkspace, filepath.ToSlash(rel))
}
