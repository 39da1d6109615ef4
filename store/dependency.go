package store

import "time"

// DependencyMapEntry is the reverse dependency index from §3/§4.3:
// (workspace, importer, imported) so redeploying `imported` can fan
// out recompute jobs to every importer.
type DependencyMapEntry struct {
	ID             string
	WorkspaceID    string
	ImporterPath   string
	ImporterKind   string // "script" | "flow"
	ImporterNodeID *string
	ImportedPath   string
}

// FindDependencyMap filters reverse-map lookups.
type FindDependencyMap struct {
	WorkspaceID  string
	ImportedPath *string
	ImporterPath *string
}

// DependencyCacheEntry is the generic per-language resolution cache
// row (§4.3 "pip_resolution_cache-equivalent table").
type DependencyCacheEntry struct {
	Key        string // sha256(normalized requirements + language-version salt)
	Language   string
	Lockfile   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}
