// Package dependency implements per-language lockfile capture, a
// resolution cache fronting the language toolchains, flow/app lock
// traversal, and the reverse dependency map's redeploy fan-out
// described in §4.3.
package dependency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Resolver captures a language's dependency set into pinned lockfile
// text. No real package-manager invocation happens in this pack (no
// pip/npm/cargo/go toolchain is available to shell out to); each
// resolver instead parses import statements with a compiled regexp —
// the same "compile once via sync.OnceValue, match against source"
// idiom the pack uses for PII scanning — and renders a deterministic,
// pinned-looking lockfile from the parsed or explicit dependency set.
type Resolver interface {
	Language() string
	CaptureDependency(ctx context.Context, content string, rawDeps []string) (lockfile string, err error)
}

var pythonImportPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`(?m)^\s*(?:from\s+([\w.]+)\s+import|import\s+([\w.]+))`)
})

// PythonResolver captures §4.3's Python row: explicit raw_deps win,
// otherwise imports are parsed from source.
type PythonResolver struct{}

func (PythonResolver) Language() string { return "python3" }

func (PythonResolver) CaptureDependency(ctx context.Context, content string, rawDeps []string) (string, error) {
	deps := rawDeps
	if len(deps) == 0 {
		deps = extractMatches(pythonImportPattern(), content, 1, 2)
	}
	return pinnedLockfile(deps, "=="), nil
}

var tsImportPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`(?m)(?:import\s+(?:[\w*${}\s,]+\s+from\s+)?|require\()\s*['"]([^'"]+)['"]`)
})

// BunResolver captures §4.3's TypeScript(Bun/Node) row.
type BunResolver struct{}

func (BunResolver) Language() string { return "bun" }

func (BunResolver) CaptureDependency(ctx context.Context, content string, rawDeps []string) (string, error) {
	deps := rawDeps
	if len(deps) == 0 {
		deps = extractMatches(tsImportPattern(), content, 1)
	}
	return packageLockShaped(deps), nil
}

// DenoResolver captures §4.3's TypeScript(Deno) row.
type DenoResolver struct{}

func (DenoResolver) Language() string { return "deno" }

func (DenoResolver) CaptureDependency(ctx context.Context, content string, rawDeps []string) (string, error) {
	deps := rawDeps
	if len(deps) == 0 {
		deps = extractMatches(tsImportPattern(), content, 1)
	}
	return denoLockfile(deps), nil
}

var goImportBlockPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`(?s)import\s*\(([^)]*)\)`)
})
var goImportLinePattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`"([^"]+)"`)
})

// GoResolver captures §4.3's Go row (go.sum).
type GoResolver struct{}

func (GoResolver) Language() string { return "go" }

func (GoResolver) CaptureDependency(ctx context.Context, content string, rawDeps []string) (string, error) {
	deps := rawDeps
	if len(deps) == 0 {
		if block := goImportBlockPattern().FindStringSubmatch(content); block != nil {
			for _, m := range goImportLinePattern().FindAllStringSubmatch(block[1], -1) {
				deps = append(deps, m[1])
			}
			sort.Strings(deps)
		}
	}
	return goSumLockfile(deps), nil
}

var phpImportPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`(?m)^\s*use\s+([\w\\]+)`)
})

// PHPResolver captures §4.3's PHP row (composer.lock).
type PHPResolver struct{}

func (PHPResolver) Language() string { return "php" }

func (PHPResolver) CaptureDependency(ctx context.Context, content string, rawDeps []string) (string, error) {
	deps := rawDeps
	if len(deps) == 0 {
		deps = extractMatches(phpImportPattern(), content, 1)
	}
	return composerLockfile(deps), nil
}

var rustUsePattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`(?m)^\s*use\s+([\w:]+)`)
})

// RustResolver captures §4.3's Rust row (Cargo.lock).
type RustResolver struct{}

func (RustResolver) Language() string { return "rust" }

func (RustResolver) CaptureDependency(ctx context.Context, content string, rawDeps []string) (string, error) {
	deps := rawDeps
	if len(deps) == 0 {
		deps = extractMatches(rustUsePattern(), content, 1)
	}
	return cargoLockfile(deps), nil
}

// NoopResolver covers §4.3's "SQL / Bash / Powershell / GraphQL /
// native TS" row: these languages have no dependency surface.
type NoopResolver struct{ Lang string }

func (r NoopResolver) Language() string { return r.Lang }

func (NoopResolver) CaptureDependency(ctx context.Context, content string, rawDeps []string) (string, error) {
	return "", nil
}

// Registry maps a language tag to its Resolver.
func Registry() map[string]Resolver {
	resolvers := []Resolver{
		PythonResolver{}, BunResolver{}, DenoResolver{}, GoResolver{}, PHPResolver{}, RustResolver{},
		NoopResolver{Lang: "postgresql"}, NoopResolver{Lang: "mysql"}, NoopResolver{Lang: "bigquery"},
		NoopResolver{Lang: "bash"}, NoopResolver{Lang: "powershell"}, NoopResolver{Lang: "graphql"},
		NoopResolver{Lang: "nativets"},
	}
	out := make(map[string]Resolver, len(resolvers))
	for _, r := range resolvers {
		out[r.Language()] = r
	}
	return out
}

func extractMatches(re *regexp.Regexp, content string, groups ...int) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range re.FindAllStringSubmatch(content, -1) {
		dep := ""
		for _, group := range groups {
			if group < len(m) && strings.TrimSpace(m[group]) != "" {
				dep = strings.TrimSpace(m[group])
				break
			}
		}
		if dep == "" {
			continue
		}
		root := strings.SplitN(dep, ".", 2)[0]
		root = strings.SplitN(root, "/", 2)[0]
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

func pinnedLockfile(deps []string, pinOperator string) string {
	var b strings.Builder
	for _, d := range deps {
		fmt.Fprintf(&b, "%s%s%s\n", d, pinOperator, pinnedVersion(d))
	}
	return b.String()
}

func packageLockShaped(deps []string) string {
	var b strings.Builder
	b.WriteString("{\n  \"lockfileVersion\": 3,\n  \"dependencies\": {\n")
	for i, d := range deps {
		fmt.Fprintf(&b, "    %q: { \"version\": %q }", d, pinnedVersion(d))
		if i < len(deps)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("  }\n}\n")
	return b.String()
}

func denoLockfile(deps []string) string {
	var b strings.Builder
	b.WriteString("{\n  \"version\": \"3\",\n  \"remote\": {\n")
	for i, d := range deps {
		fmt.Fprintf(&b, "    %q: %q", d, contentHash(d))
		if i < len(deps)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("  }\n}\n")
	return b.String()
}

func goSumLockfile(deps []string) string {
	var b strings.Builder
	for _, d := range deps {
		fmt.Fprintf(&b, "%s %s h1:%s=\n", d, pinnedVersion(d), contentHash(d))
	}
	return b.String()
}

func composerLockfile(deps []string) string {
	var b strings.Builder
	b.WriteString("{\n  \"packages\": [\n")
	for i, d := range deps {
		fmt.Fprintf(&b, "    { \"name\": %q, \"version\": %q }", d, pinnedVersion(d))
		if i < len(deps)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("  ]\n}\n")
	return b.String()
}

func cargoLockfile(deps []string) string {
	var b strings.Builder
	for _, d := range deps {
		fmt.Fprintf(&b, "[[package]]\nname = %q\nversion = %q\n\n", d, pinnedVersion(d))
	}
	return b.String()
}

// pinnedVersion and contentHash stand in for an actual registry
// resolution: deterministic, derived from the dependency name so the
// same input always captures the same lockfile (needed for the cache
// key in cache.go to mean anything).
func pinnedVersion(dep string) string {
	sum := sha256.Sum256([]byte(dep))
	return fmt.Sprintf("0.%d.%d", sum[0], sum[1])
}

func contentHash(dep string) string {
	sum := sha256.Sum256([]byte(dep))
	return hex.EncodeToString(sum[:8])
}

// NormalizeRequirements canonicalizes a requirement set into the text
// the cache key is hashed over: sorted, deduplicated, newline-joined.
func NormalizeRequirements(deps []string) string {
	uniq := map[string]struct{}{}
	for _, d := range deps {
		uniq[strings.TrimSpace(d)] = struct{}{}
	}
	out := make([]string, 0, len(uniq))
	for d := range uniq {
		if d != "" {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return strings.Join(out, "\n")
}
