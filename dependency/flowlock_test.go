package dependency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/flow"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func TestRelockFlowSkipsAlreadyLockedModules(t *testing.T) {
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})
	cache := NewCache(s, time.Hour)
	reg := Registry()

	existingLock := "requests==0.1.2"
	fv := &flow.FlowValue{
		Modules: []flow.FlowModule{
			{ID: "a", Kind: flow.ModuleRawScript, Lang: "python3", Content: "import requests", Lock: &existingLock},
			{ID: "b", Kind: flow.ModuleRawScript, Lang: "python3", Content: "import numpy"},
		},
	}

	modified, err := RelockFlow(context.Background(), cache, reg, fv, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, modified)
	require.Equal(t, existingLock, *fv.Modules[0].Lock)
	require.NotNil(t, fv.Modules[1].Lock)
	require.Contains(t, *fv.Modules[1].Lock, "numpy==")
}

func TestRelockFlowHonorsNodesToRelock(t *testing.T) {
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})
	cache := NewCache(s, time.Hour)
	reg := Registry()

	existingLock := "requests==0.1.2"
	fv := &flow.FlowValue{
		Modules: []flow.FlowModule{
			{ID: "a", Kind: flow.ModuleRawScript, Lang: "python3", Content: "import requests", Lock: &existingLock},
		},
	}

	modified, err := RelockFlow(context.Background(), cache, reg, fv, map[string]bool{"a": true})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, modified)
	require.NotEqual(t, existingLock, *fv.Modules[0].Lock)
}

func TestRelockFlowTraversesForloopAndBranchAll(t *testing.T) {
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})
	cache := NewCache(s, time.Hour)
	reg := Registry()

	fv := &flow.FlowValue{
		Modules: []flow.FlowModule{
			{
				ID:   "loop",
				Kind: flow.ModuleForloop,
				Modules: []flow.FlowModule{
					{ID: "inner", Kind: flow.ModuleRawScript, Lang: "python3", Content: "import requests"},
				},
			},
			{
				ID:   "fan",
				Kind: flow.ModuleBranchAll,
				Branches: []flow.Branch{
					{Modules: []flow.FlowModule{{ID: "branch1", Kind: flow.ModuleRawScript, Lang: "go", Content: "import (\n\t\"fmt\"\n)"}}},
				},
			},
		},
	}

	modified, err := RelockFlow(context.Background(), cache, reg, fv, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"inner", "branch1"}, modified)
}
