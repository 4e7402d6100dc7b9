package segstore

import "sort"

// defaultTrieCapacity bounds the number of nodes a PrefixTrie will ever
// allocate before it must be drained via TopPrefixes and Reset.
const defaultTrieCapacity = 4096

// ScoredPrefix is one candidate prefix discovered by a PrefixTrie, together
// with the number of lex strings observed to share it.
type ScoredPrefix struct {
	Prefix string
	Hits   int
}

type trieNode struct {
	children map[byte]*trieNode
	hits     int
}

// PrefixTrie discovers candidate URI prefixes worth promoting into a
// ResourceHash's prefix dictionary, from the stream of external (lex
// strings that did not match any already-registered prefix) URI lex
// strings it is fed. It never grows past a fixed node budget: Insert never
// fails or blocks, it just stops extending a string once the budget is
// exhausted, degrading to scoring whatever prefix it did manage to store.
type PrefixTrie struct {
	capacity  int
	nodeCount int
	root      *trieNode
}

// NewPrefixTrie creates an empty trie with the given node budget. A
// capacity <= 0 uses defaultTrieCapacity.
func NewPrefixTrie(capacity int) *PrefixTrie {
	if capacity <= 0 {
		capacity = defaultTrieCapacity
	}
	t := &PrefixTrie{capacity: capacity}
	t.Reset()
	return t
}

// Insert feeds one lex string into the trie, incrementing the hit counter
// of every node on its path. Never fails, never blocks: if the node budget
// is exhausted partway through, the walk simply stops extending and the
// already-created prefix of the path keeps scoring.
func (t *PrefixTrie) Insert(s string) {
	node := t.root
	for i := 0; i < len(s); i++ {
		c := s[i]
		child, ok := node.children[c]
		if !ok {
			if t.nodeCount >= t.capacity {
				return
			}
			child = &trieNode{children: make(map[byte]*trieNode)}
			node.children[c] = child
			t.nodeCount++
		}
		node = child
		node.hits++
	}
}

// Full reports whether the node budget has been exhausted.
func (t *PrefixTrie) Full() bool {
	return t.nodeCount >= t.capacity
}

// TopPrefixes walks the trie and returns up to n node-paths (reconstructed
// as strings) ranked by hit count, preferring longer paths on a tie. The
// empty-string root is excluded, as is any path whose hit count is 1:
// singleton paths are noise, not shared prefixes.
func (t *PrefixTrie) TopPrefixes(n int) []ScoredPrefix {
	var candidates []ScoredPrefix
	var walk func(node *trieNode, prefix []byte)
	walk = func(node *trieNode, prefix []byte) {
		for c, child := range node.children {
			p := append(append([]byte(nil), prefix...), c)
			if child.hits > 1 {
				candidates = append(candidates, ScoredPrefix{Prefix: string(p), Hits: child.hits})
			}
			walk(child, p)
		}
	}
	walk(t.root, nil)

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Hits != candidates[j].Hits {
			return candidates[i].Hits > candidates[j].Hits
		}
		return len(candidates[i].Prefix) > len(candidates[j].Prefix)
	})

	if n >= 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Reset discards all nodes and counters, returning the trie to empty.
func (t *PrefixTrie) Reset() {
	t.root = &trieNode{children: make(map[byte]*trieNode)}
	t.nodeCount = 0
}
