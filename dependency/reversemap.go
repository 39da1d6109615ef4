package dependency

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/store"
)

// RecordDependencies implements §4.3's "reverse dependency map": when
// importerPath is (re)deployed, it writes one row per workspace path it
// imports, each under a fresh id. Rows written by earlier calls for
// importerPath are not removed or replaced.
func RecordDependencies(ctx context.Context, s *store.Store, workspaceID, importerPath, importerKind string, importedPaths []string) error {
	entries := make([]*store.DependencyMapEntry, 0, len(importedPaths))
	for _, imported := range importedPaths {
		entries = append(entries, &store.DependencyMapEntry{
			ID:           uuid.NewString(),
			WorkspaceID:  workspaceID,
			ImporterPath: importerPath,
			ImporterKind: importerKind,
			ImportedPath: imported,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	return errors.Wrap(s.UpsertDependencyMap(ctx, entries), "record dependencies")
}

// FanOutRecompute implements §4.3's redeploy fan-out: when
// importedPath is redeployed, enqueue a Dependencies recompute job for
// every importer not already present in alreadyVisited, threading the
// growing visited set through the pushed job's args so a dependency
// cycle terminates instead of looping forever.
func FanOutRecompute(ctx context.Context, s *store.Store, q *queue.Queue, workspaceID, asUser, importedPath string, alreadyVisited []string) error {
	visited := make(map[string]bool, len(alreadyVisited)+1)
	for _, v := range alreadyVisited {
		visited[v] = true
	}
	visited[importedPath] = true

	dependents, err := s.FindDependents(ctx, &store.FindDependencyMap{
		WorkspaceID:  workspaceID,
		ImportedPath: &importedPath,
	})
	if err != nil {
		return errors.Wrap(err, "find dependents")
	}

	nextVisited := make([]string, 0, len(visited))
	for v := range visited {
		nextVisited = append(nextVisited, v)
	}

	for _, dep := range dependents {
		if visited[dep.ImporterPath] {
			continue
		}

		payload := store.Payload{
			Kind:           store.PayloadDependencyRecompute,
			AlreadyVisited: append([]string{}, nextVisited...),
			ImporterPath:   dep.ImporterPath,
			ImporterKind:   dep.ImporterKind,
		}
		_, err := q.Push(ctx, queue.PushParams{
			WorkspaceID: workspaceID,
			AsUser:      asUser,
			JobKind:     store.JobKindDependencies,
			Payload:     payload,
			Args:        value.Args{},
		})
		if err != nil {
			return errors.Wrapf(err, "push recompute job for %s", dep.ImporterPath)
		}
	}
	return nil
}
