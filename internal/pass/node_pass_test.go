package pass

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lite/internal/graph"
)

// buildChain returns root -> kinds[0] -> kinds[1] ...
func buildChain(t *testing.T, kinds ...graph.Kind) (*graph.Graph, []*graph.Node) {
	t.Helper()
	g := graph.New()
	nodes := make([]*graph.Node, len(kinds))
	for i, k := range kinds {
		nodes[i] = g.NewNode(k, "")
		if i == 0 {
			require.NoError(t, g.SetRoot(nodes[i]))
			continue
		}
		require.NoError(t, g.AddChild(nodes[i-1], nodes[i]))
	}
	return g, nodes
}

func TestNodePassDispatchByKind(t *testing.T) {
	g, _ := buildChain(t, graph.KindDeviceQueue, graph.KindBuildVocab, graph.KindCache, graph.KindSource)

	var trace []string
	record := func(tag string) NodeFunc {
		return func(_ context.Context, n *graph.Node) (Result, error) {
			trace = append(trace, fmt.Sprintf("%s:%s", tag, n.Kind()))
			return Result{}, nil
		}
	}

	p := NewNodePass("trace").
		On(graph.KindBuildVocab, Handlers{Pre: record("vocab-pre"), Run: record("vocab-run"), Post: record("vocab-post")}).
		On(graph.KindCache, Handlers{Pre: record("cache-pre")}).
		Generic(Handlers{Pre: record("generic-pre"), Run: record("generic-run")})

	_, err := p.RunOnTree(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"generic-pre:DeviceQueue",
		"vocab-pre:BuildVocab",
		"cache-pre:Cache",
		"generic-pre:Source",
		"generic-run:Source",
		"vocab-run:BuildVocab",
		"vocab-post:BuildVocab",
		"generic-run:DeviceQueue",
	}, trace)
}

func TestNodePassDispatchFallsBackToGeneric(t *testing.T) {
	p := NewNodePass("p").On(graph.KindCache, Handlers{Pre: func(context.Context, *graph.Node) (Result, error) {
		return Result{}, nil
	}})
	assert.NotNil(t, p.Dispatch(graph.KindCache).Pre)
	assert.Nil(t, p.Dispatch(graph.KindMap).Pre, "no generic handler registered")
}

func TestNodePassAccumulatesModified(t *testing.T) {
	g, _ := buildChain(t, graph.KindGeneric, graph.KindMap, graph.KindMap)
	p := NewNodePass("touch").On(graph.KindMap, Handlers{Run: func(context.Context, *graph.Node) (Result, error) {
		return Result{Modified: true}, nil
	}})

	r, err := p.RunOnTree(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, r.Modified)
}

func TestNodePassReadOnlyRejectsMutation(t *testing.T) {
	g, nodes := buildChain(t, graph.KindGeneric, graph.KindBuildVocab)
	p := NewNodePass("sneaky", ReadOnly()).On(graph.KindBuildVocab, Handlers{Pre: func(_ context.Context, n *graph.Node) (Result, error) {
		return Result{}, g.InsertAbove(n, g.NewNode(graph.KindEpochControl, ""))
	}})

	_, err := p.RunOnTree(context.Background(), g)
	assert.ErrorIs(t, err, graph.ErrStructuralInconsistency)
	assert.Contains(t, err.Error(), "read-only")
	assert.Equal(t, graph.KindEpochControl, nodes[0].Children()[0].Kind())
}

func TestNodePassMutatingTraversal(t *testing.T) {
	g, nodes := buildChain(t, graph.KindGeneric, graph.KindBuildVocab, graph.KindSource)
	visited := 0
	p := NewNodePass("inject").
		On(graph.KindBuildVocab, Handlers{Pre: func(_ context.Context, n *graph.Node) (Result, error) {
			return Result{Modified: true}, g.InsertAbove(n, g.NewNode(graph.KindEpochControl, ""))
		}}).
		Generic(Handlers{Pre: func(context.Context, *graph.Node) (Result, error) {
			visited++
			return Result{}, nil
		}})

	r, err := p.RunOnTree(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, r.Modified)
	assert.Equal(t, 2, visited, "root and source; the injected node is not on the snapshot")
	assert.Equal(t, 4, g.Len())
	assert.Same(t, nodes[1], nodes[0].Children()[0].Children()[0])
}

func TestNodePassVisitsSharedNodeOnce(t *testing.T) {
	g := graph.New()
	root := g.NewNode(graph.KindGeneric, "")
	require.NoError(t, g.SetRoot(root))
	a := g.NewNode(graph.KindMap, "a")
	b := g.NewNode(graph.KindMap, "b")
	leaf := g.NewNode(graph.KindSource, "")
	g.MarkShared(leaf)
	require.NoError(t, g.AddChild(root, a))
	require.NoError(t, g.AddChild(root, b))
	require.NoError(t, g.AddChild(a, leaf))
	require.NoError(t, g.AddChild(b, leaf))

	count := 0
	p := NewNodePass("count").On(graph.KindSource, Handlers{Run: func(context.Context, *graph.Node) (Result, error) {
		count++
		return Result{}, nil
	}})
	_, err := p.RunOnTree(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNodePassWrapsHandlerErrors(t *testing.T) {
	g, _ := buildChain(t, graph.KindGeneric, graph.KindCache)
	boom := errors.New("boom")
	p := NewNodePass("fail").On(graph.KindCache, Handlers{Pre: func(context.Context, *graph.Node) (Result, error) {
		return Result{}, boom
	}})

	_, err := p.RunOnTree(context.Background(), g)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "node 2 (Cache)")
}

func TestNodePassEmptyGraph(t *testing.T) {
	r, err := NewNodePass("noop").RunOnTree(context.Background(), graph.New())
	require.NoError(t, err)
	assert.False(t, r.Modified)
}
