package dependency

import (
	"context"

	"github.com/jobctl/orchestrator/flow"
)

// RelockFlow implements §4.3's "flow and app lock generation": depth-
// first, explicit-stack traversal of every inline-script module
// (RawScript, FlowScript) reachable through ForloopFlow, WhileloopFlow,
// BranchOne, BranchAll, and AIAgent.tools, re-resolving and rewriting
// each module's lock in place unless it already has one and wasn't
// named in nodesToRelock.
//
// fv is mutated in place; the caller is responsible for persisting the
// updated FlowValue in the same transaction as the returned
// modifiedIDs, per §4.3.
func RelockFlow(ctx context.Context, cache *Cache, registry map[string]Resolver, fv *flow.FlowValue, nodesToRelock map[string]bool) ([]string, error) {
	var modifiedIDs []string
	stack := rootModuleStack(fv)

	for len(stack) > 0 {
		m := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children := childModules(m)
		for i := range children {
			stack = append(stack, children[i])
		}

		if m.Kind != flow.ModuleRawScript && m.Kind != flow.ModuleFlowScript {
			continue
		}
		if m.Lock != nil && *m.Lock != "" && !nodesToRelock[m.ID] {
			continue
		}

		resolver, ok := registry[m.Lang]
		if !ok {
			continue
		}
		lockfile, err := cache.Resolve(ctx, resolver, m.Lang, m.Content, nil, false)
		if err != nil {
			return modifiedIDs, err
		}
		m.Lock = &lockfile
		modifiedIDs = append(modifiedIDs, m.ID)
	}

	return modifiedIDs, nil
}

// rootModuleStack seeds the traversal with pointers into fv's own
// module slice (plus the failure/preprocessor modules, which can also
// carry inline scripts).
func rootModuleStack(fv *flow.FlowValue) []*flow.FlowModule {
	stack := make([]*flow.FlowModule, 0, len(fv.Modules)+2)
	for i := range fv.Modules {
		stack = append(stack, &fv.Modules[i])
	}
	if fv.FailureModule != nil {
		stack = append(stack, fv.FailureModule)
	}
	if fv.PreprocessorModule != nil {
		stack = append(stack, fv.PreprocessorModule)
	}
	return stack
}

// childModules returns the nested modules a compound module contains,
// per §4.3's traversal list.
func childModules(m *flow.FlowModule) []*flow.FlowModule {
	var out []*flow.FlowModule
	switch m.Kind {
	case flow.ModuleForloop, flow.ModuleWhileloop:
		for i := range m.Modules {
			out = append(out, &m.Modules[i])
		}
	case flow.ModuleBranchOne, flow.ModuleBranchAll:
		for bi := range m.Branches {
			for i := range m.Branches[bi].Modules {
				out = append(out, &m.Branches[bi].Modules[i])
			}
		}
		for i := range m.Default {
			out = append(out, &m.Default[i])
		}
	case flow.ModuleAIAgent:
		for i := range m.Tools {
			out = append(out, &m.Tools[i])
		}
	}
	return out
}
