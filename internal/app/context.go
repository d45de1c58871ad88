package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"phabbridge/internal/config"
	"phabbridge/internal/repo"
)

// ResolveProject picks the project a command acts on. It prefers the
// override, then the only project with stored options, then the only project
// seeded in the config file.
func ResolveProject(ctx context.Context, override string, cfg *config.Config, r repo.Repo) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		return id, nil
	}
	stored, err := r.ListOptions(ctx)
	if err != nil {
		return "", err
	}
	switch len(stored) {
	case 1:
		return stored[0].ProjectID, nil
	case 0:
	default:
		ids := make([]string, 0, len(stored))
		for _, o := range stored {
			ids = append(ids, o.ProjectID)
		}
		return "", fmt.Errorf("several projects configured (%s); use --project", strings.Join(ids, ", "))
	}
	if cfg != nil && len(cfg.Projects) == 1 {
		for id := range cfg.Projects {
			return id, nil
		}
	}
	if cfg != nil && len(cfg.Projects) > 1 {
		ids := make([]string, 0, len(cfg.Projects))
		for id := range cfg.Projects {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return "", fmt.Errorf("several projects in config (%s); use --project", strings.Join(ids, ", "))
	}
	return "", fmt.Errorf("project not specified; use --project")
}
