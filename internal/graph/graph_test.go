package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-brain/agent-brain/internal/chunk"
	"github.com/agent-brain/agent-brain/internal/store"
)

func TestAddTripletsAndTraverse(t *testing.T) {
	idx, err := Open(t.TempDir())
	require.NoError(t, err)

	idx.AddTriplets("chunk-1", []Triplet{
		{Subject: "FastAPI", Relation: "is a", Object: "framework"},
	})
	idx.AddTriplets("chunk-2", []Triplet{
		{Subject: "framework", Relation: "built on", Object: "starlette"},
	})

	assert.Equal(t, 3, idx.EntityCount())
	assert.Equal(t, 2, idx.EdgeCount())

	// Depth 1: only the direct edge from the seed.
	hits := idx.Traverse([]string{"fastapi"}, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, "chunk-1", hits[0].ChunkID)
	assert.Equal(t, 1.0, hits[0].Score)

	// Depth 2 reaches the second hop with a decayed score.
	hits = idx.Traverse([]string{"FastAPI"}, 2)
	require.Len(t, hits, 2)
	assert.Equal(t, "chunk-1", hits[0].ChunkID)
	assert.Equal(t, "chunk-2", hits[1].ChunkID)
	assert.Less(t, hits[1].Score, hits[0].Score)
}

func TestTraverseHandlesCycles(t *testing.T) {
	idx, err := Open(t.TempDir())
	require.NoError(t, err)

	idx.AddTriplets("c1", []Triplet{{Subject: "a", Relation: "uses", Object: "b"}})
	idx.AddTriplets("c2", []Triplet{{Subject: "b", Relation: "uses", Object: "a"}})

	hits := idx.Traverse([]string{"a"}, 10)
	assert.Len(t, hits, 2)
}

func TestSelfAndEmptyTripletsDropped(t *testing.T) {
	idx, err := Open(t.TempDir())
	require.NoError(t, err)

	idx.AddTriplets("c", []Triplet{
		{Subject: "x", Relation: "is", Object: "x"},
		{Subject: "", Relation: "is", Object: "y"},
	})
	assert.Zero(t, idx.EdgeCount())
}

func TestMatchEntities(t *testing.T) {
	idx, err := Open(t.TempDir())
	require.NoError(t, err)
	idx.AddTriplets("c", []Triplet{{Subject: "FastAPI", Relation: "is a", Object: "framework"}})

	seeds := idx.MatchEntities("How does FastAPI relate to the framework?")
	assert.ElementsMatch(t, []string{"fastapi", "framework"}, seeds)
	assert.Empty(t, idx.MatchEntities("unrelated words only"))
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	require.NoError(t, err)
	idx.AddTriplets("c1", []Triplet{{Subject: "a", Relation: "uses", Object: "b"}})
	require.NoError(t, idx.Save())

	reloaded, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.EntityCount())
	hits := reloaded.Traverse([]string{"a"}, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ChunkID)
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	require.NoError(t, err)
	idx.AddTriplets("c1", []Triplet{{Subject: "a", Relation: "uses", Object: "b"}})
	require.NoError(t, idx.Save())
	require.NoError(t, idx.Reset())

	assert.Zero(t, idx.EntityCount())
	reloaded, err := Open(dir)
	require.NoError(t, err)
	assert.Zero(t, reloaded.EntityCount())
}

func TestRuleExtractorCode(t *testing.T) {
	c := chunk.Chunk{
		ID:         "c1",
		Source:     "/src/server.go",
		SourceType: store.SourceTypeCode,
		Text:       "package main\n\nimport \"net/http\"\n\ntype Server struct{}\n\nfunc ListenAndServe() {}\n",
	}
	triplets, err := RuleExtractor{}.Extract(context.Background(), c)
	require.NoError(t, err)

	byRelation := map[string][]string{}
	for _, tr := range triplets {
		assert.Equal(t, "server.go", tr.Subject)
		byRelation[tr.Relation] = append(byRelation[tr.Relation], tr.Object)
	}
	assert.Contains(t, byRelation["defines"], "ListenAndServe")
	assert.Contains(t, byRelation["declares"], "Server")
	assert.Contains(t, byRelation["imports"], "net/http")
}

func TestRuleExtractorDocs(t *testing.T) {
	c := chunk.Chunk{
		ID:         "c2",
		Source:     "/docs/readme.md",
		SourceType: store.SourceTypeDoc,
		Text:       "# Getting Started\n\nSee [the guide](guide.md) for details.\n",
	}
	triplets, err := RuleExtractor{}.Extract(context.Background(), c)
	require.NoError(t, err)

	var relations []string
	for _, tr := range triplets {
		relations = append(relations, tr.Relation+":"+tr.Object)
	}
	assert.Contains(t, relations, "describes:Getting Started")
	assert.Contains(t, relations, "references:the guide")
}

func TestParseTriplets(t *testing.T) {
	response := "FastAPI|is a|web framework\nbad line\nuvicorn|serves|FastAPI\na|b|c\n"
	triplets := ParseTriplets(response, 2)
	require.Len(t, triplets, 2)
	assert.Equal(t, Triplet{Subject: "FastAPI", Relation: "is a", Object: "web framework"}, triplets[0])
}

func TestBuilderCapsTriplets(t *testing.T) {
	idx, err := Open(t.TempDir())
	require.NoError(t, err)
	b := NewBuilder(idx, nil, 2)

	c := chunk.Chunk{
		ID:         "c1",
		Source:     "/src/many.go",
		SourceType: store.SourceTypeCode,
		Text:       "func A() {}\nfunc B() {}\nfunc C() {}\nfunc D() {}\n",
	}
	b.AddChunks(context.Background(), []chunk.Chunk{c})
	assert.Equal(t, 2, idx.EdgeCount())
}
