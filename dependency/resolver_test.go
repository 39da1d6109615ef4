package dependency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPythonResolverExtractsImports(t *testing.T) {
	r := PythonResolver{}
	content := "import requests\nfrom collections import OrderedDict\nimport os.path\n"
	lockfile, err := r.CaptureDependency(context.Background(), content, nil)
	require.NoError(t, err)
	require.Contains(t, lockfile, "requests==")
	require.Contains(t, lockfile, "collections==")
	require.Contains(t, lockfile, "os==")
}

func TestPythonResolverPrefersRawDeps(t *testing.T) {
	r := PythonResolver{}
	lockfile, err := r.CaptureDependency(context.Background(), "import unused", []string{"numpy"})
	require.NoError(t, err)
	require.Contains(t, lockfile, "numpy==")
	require.NotContains(t, lockfile, "unused")
}

func TestPythonResolverDeterministic(t *testing.T) {
	r := PythonResolver{}
	a, err := r.CaptureDependency(context.Background(), "", []string{"requests"})
	require.NoError(t, err)
	b, err := r.CaptureDependency(context.Background(), "", []string{"requests"})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestBunResolverExtractsImports(t *testing.T) {
	r := BunResolver{}
	content := `import { z } from "zod"` + "\n" + `const lodash = require("lodash")`
	lockfile, err := r.CaptureDependency(context.Background(), content, nil)
	require.NoError(t, err)
	require.Contains(t, lockfile, "zod")
	require.Contains(t, lockfile, "lodash")
}

func TestGoResolverExtractsImportBlock(t *testing.T) {
	r := GoResolver{}
	content := "package main\nimport (\n\t\"fmt\"\n\t\"github.com/stretchr/testify/require\"\n)\n"
	lockfile, err := r.CaptureDependency(context.Background(), content, nil)
	require.NoError(t, err)
	require.Contains(t, lockfile, "fmt")
	require.Contains(t, lockfile, "github.com/stretchr/testify/require")
}

func TestNoopResolverReturnsEmpty(t *testing.T) {
	r := NoopResolver{Lang: "bash"}
	lockfile, err := r.CaptureDependency(context.Background(), "echo hi", nil)
	require.NoError(t, err)
	require.Empty(t, lockfile)
}

func TestRegistryCoversAllLanguages(t *testing.T) {
	reg := Registry()
	for _, lang := range []string{"python3", "bun", "deno", "go", "php", "rust", "bash", "graphql"} {
		_, ok := reg[lang]
		require.True(t, ok, "missing resolver for %s", lang)
	}
}

func TestNormalizeRequirementsDedupesAndSorts(t *testing.T) {
	got := NormalizeRequirements([]string{"b", "a", "b", " ", "a"})
	require.Equal(t, "a\nb", got)
}
