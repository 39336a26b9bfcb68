// Package graph implements the optional entity/relation index. Entities
// are interned into an arena of nodes; edges carry a relation label and
// the chunk that produced them, so traversal hits map back to retrievable
// chunks. Mutual references between entities are fine: traversal works on
// node indices, there are no owning pointers.
package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agent-brain/agent-brain/internal/errors"
)

const (
	// DirName is the graph index directory under the state directory.
	DirName = "graph_index"

	indexFileName = "graph.json"
)

// Edge is one directed relation between two interned entities.
type Edge struct {
	Src      int32  `json:"src"`
	Relation string `json:"relation"`
	Dst      int32  `json:"dst"`
	ChunkID  string `json:"chunk_id"`
}

// Triplet is an extracted (subject, relation, object) before interning.
type Triplet struct {
	Subject  string
	Relation string
	Object   string
}

// Hit is a traversal result: a chunk reached from a seed entity, scored
// by how close to the seed it was found.
type Hit struct {
	ChunkID string
	Score   float64
}

// Index is the persistent entity graph.
type Index struct {
	path string

	mu    sync.RWMutex
	names []string         // arena: node id -> canonical entity name
	ids   map[string]int32 // canonical name -> node id
	out   map[int32][]Edge // adjacency by source node
}

type indexFile struct {
	Names []string `json:"names"`
	Edges []Edge   `json:"edges"`
}

// Open loads the graph from dir, creating an empty index when none exists.
func Open(dir string) (*Index, error) {
	idx := &Index{
		path: filepath.Join(dir, indexFileName),
		ids:  map[string]int32{},
		out:  map[int32][]Edge{},
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStateDir, err)
	}

	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, errors.Wrap(errors.ErrCodeStateDir, err)
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptIndex, "corrupt graph index", err)
	}
	idx.names = f.Names
	for i, name := range f.Names {
		idx.ids[name] = int32(i)
	}
	for _, e := range f.Edges {
		idx.out[e.Src] = append(idx.out[e.Src], e)
	}
	return idx, nil
}

// canonical normalises entity names for interning.
func canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// intern returns the node id for name, allocating a node when new.
// Callers hold the write lock.
func (idx *Index) intern(name string) int32 {
	if id, ok := idx.ids[name]; ok {
		return id
	}
	id := int32(len(idx.names))
	idx.names = append(idx.names, name)
	idx.ids[name] = id
	return id
}

// AddTriplets interns and records edges for chunkID.
func (idx *Index) AddTriplets(chunkID string, triplets []Triplet) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, t := range triplets {
		subj, obj := canonical(t.Subject), canonical(t.Object)
		if subj == "" || obj == "" || subj == obj {
			continue
		}
		src := idx.intern(subj)
		dst := idx.intern(obj)
		idx.out[src] = append(idx.out[src], Edge{
			Src:      src,
			Relation: t.Relation,
			Dst:      dst,
			ChunkID:  chunkID,
		})
	}
}

// EntityCount returns the number of interned entities.
func (idx *Index) EntityCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.names)
}

// EdgeCount returns the number of edges.
func (idx *Index) EdgeCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, edges := range idx.out {
		n += len(edges)
	}
	return n
}

// MatchEntities returns the interned entities present in the query tokens.
// Used to seed traversal.
func (idx *Index) MatchEntities(query string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var seeds []string
	seen := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		if _, ok := idx.ids[tok]; ok {
			seeds = append(seeds, tok)
		}
	}
	return seeds
}

// Traverse runs a breadth-first walk from the seed entities up to
// maxDepth hops and scores each reached chunk by 1/(1+depth), keeping the
// best score per chunk. Hits come back sorted best-first.
func (idx *Index) Traverse(seeds []string, maxDepth int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if maxDepth < 1 {
		maxDepth = 1
	}

	type frontier struct {
		node  int32
		depth int
	}
	var queue []frontier
	visited := map[int32]bool{}
	for _, seed := range seeds {
		if id, ok := idx.ids[canonical(seed)]; ok && !visited[id] {
			visited[id] = true
			queue = append(queue, frontier{node: id, depth: 0})
		}
	}

	best := map[string]float64{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range idx.out[cur.node] {
			score := 1.0 / float64(1+cur.depth)
			if score > best[e.ChunkID] {
				best[e.ChunkID] = score
			}
			if cur.depth+1 < maxDepth && !visited[e.Dst] {
				visited[e.Dst] = true
				queue = append(queue, frontier{node: e.Dst, depth: cur.depth + 1})
			}
		}
	}

	hits := make([]Hit, 0, len(best))
	for id, score := range best {
		hits = append(hits, Hit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, k int) bool {
		if hits[i].Score != hits[k].Score {
			return hits[i].Score > hits[k].Score
		}
		return hits[i].ChunkID < hits[k].ChunkID
	})
	return hits
}

// Save persists the graph atomically.
func (idx *Index) Save() error {
	idx.mu.RLock()
	f := indexFile{Names: idx.names}
	for _, edges := range idx.out {
		f.Edges = append(f.Edges, edges...)
	}
	idx.mu.RUnlock()

	sort.Slice(f.Edges, func(i, k int) bool {
		if f.Edges[i].Src != f.Edges[k].Src {
			return f.Edges[i].Src < f.Edges[k].Src
		}
		return f.Edges[i].Dst < f.Edges[k].Dst
	})

	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	return nil
}

// Reset wipes the graph in memory and on disk.
func (idx *Index) Reset() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.names = nil
	idx.ids = map[string]int32{}
	idx.out = map[int32][]Edge{}
	if err := os.Remove(idx.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	return nil
}
