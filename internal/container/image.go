package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	goarchive "github.com/moby/go-archive"
)

// buildExcludes keeps VCS metadata and task scratch space out of the
// build context.
var buildExcludes = []string{".git", "**/.git", "tmp", "node_modules"}

// BuildImage builds the task image from a Dockerfile inside the workspace
// root, using the root as build context.
func (r *Runner) BuildImage(ctx context.Context, dockerfile string) error {
	rel, err := filepath.Rel(r.root, filepath.Join(r.root, dockerfile))
	if err != nil {
		return fmt.Errorf("resolve dockerfile: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("dockerfile %q is outside the workspace", dockerfile)
	}

	tar, err := goarchive.TarWithOptions(r.root, &goarchive.TarOptions{
		ExcludePatterns: buildExcludes,
	})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := r.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{r.image},
		Dockerfile: filepath.ToSlash(rel),
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("task image built", "image", r.image, "dockerfile", dockerfile)
	return nil
}
