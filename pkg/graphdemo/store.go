// Package graphdemo is the QueryExecutor boldtd/cmd wires into pkg/bolt's
// Server for `boltd serve` out of the box: a small badger-backed node/edge
// store with a hand-rolled, deliberately non-Cypher command language, just
// enough to drive the session layer end to end without pulling in a real
// graph engine.
package graphdemo

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound      = errors.New("graphdemo: not found")
	ErrAlreadyExists = errors.New("graphdemo: already exists")
	ErrInvalidID     = errors.New("graphdemo: invalid id")
)

const (
	prefixNode     = 'N'
	prefixEdge     = 'E'
	prefixLabel    = 'L'
	prefixOutgoing = 'O'
	prefixIncoming = 'I'
)

// Node is the demo store's node record. It carries none of NornicDB's decay
// scoring or embedding fields — this store exists to exercise badger, not to
// reproduce the teacher's full schema.
type Node struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Edge is the demo store's edge record.
type Edge struct {
	ID         string         `json:"id"`
	StartNode  string         `json:"start_node"`
	EndNode    string         `json:"end_node"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

func nodeKey(id string) []byte   { return append([]byte{prefixNode}, id...) }
func edgeKey(id string) []byte   { return append([]byte{prefixEdge}, id...) }
func labelKey(label, id string) []byte {
	k := append([]byte{prefixLabel}, label...)
	k = append(k, 0)
	return append(k, id...)
}
func outgoingKey(nodeID, edgeID string) []byte {
	k := append([]byte{prefixOutgoing}, nodeID...)
	k = append(k, 0)
	return append(k, edgeID...)
}
func incomingKey(nodeID, edgeID string) []byte {
	k := append([]byte{prefixIncoming}, nodeID...)
	k = append(k, 0)
	return append(k, edgeID...)
}

// Store wraps a badger.DB with the node/edge CRUD and label/adjacency
// indexes Run's command language needs.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a badger store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("graphdemo: opening badger at %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an ephemeral store backing `boltd serve --in-memory`
// and the test suite.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("graphdemo: opening in-memory badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying badger files/memtables.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateNode inserts a new node and its label index entries, failing with
// ErrAlreadyExists if id is taken.
func (s *Store) CreateNode(n *Node) error {
	if n == nil || n.ID == "" {
		return ErrInvalidID
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(n.ID)); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now()
		}
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(n.ID), data); err != nil {
			return err
		}
		for _, label := range n.Labels {
			if err := txn.Set(labelKey(label, n.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetNode fetches a node by ID.
func (s *Store) GetNode(id string) (*Node, error) {
	var n Node
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		})
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// NodesByLabel returns every node carrying label, in no particular order.
func (s *Store) NodesByLabel(label string) ([]*Node, error) {
	var out []*Node
	prefix := append([]byte{prefixLabel}, label...)
	prefix = append(prefix, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get(nodeKey(id))
			if err != nil {
				continue
			}
			var n Node
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
				return err
			}
			out = append(out, &n)
		}
		return nil
	})
	return out, err
}

// CreateEdge inserts a new edge between two existing nodes, indexing it for
// both OutgoingEdges and IncomingEdges.
func (s *Store) CreateEdge(e *Edge) error {
	if e == nil || e.ID == "" {
		return ErrInvalidID
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(edgeKey(e.ID)); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get(nodeKey(e.StartNode)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("graphdemo: start node %q: %w", e.StartNode, ErrNotFound)
		} else if err != nil {
			return err
		}
		if _, err := txn.Get(nodeKey(e.EndNode)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("graphdemo: end node %q: %w", e.EndNode, ErrNotFound)
		} else if err != nil {
			return err
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := txn.Set(edgeKey(e.ID), data); err != nil {
			return err
		}
		if err := txn.Set(outgoingKey(e.StartNode, e.ID), nil); err != nil {
			return err
		}
		return txn.Set(incomingKey(e.EndNode, e.ID), nil)
	})
}

// GetEdge fetches an edge by ID.
func (s *Store) GetEdge(id string) (*Edge, error) {
	var e Edge
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &e) })
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) edgesByIndex(prefixByte byte, nodeID string) ([]*Edge, error) {
	var out []*Edge
	prefix := append([]byte{prefixByte}, nodeID...)
	prefix = append(prefix, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get(edgeKey(id))
			if err != nil {
				continue
			}
			var e Edge
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// OutgoingEdges returns every edge starting at nodeID.
func (s *Store) OutgoingEdges(nodeID string) ([]*Edge, error) {
	return s.edgesByIndex(prefixOutgoing, nodeID)
}

// IncomingEdges returns every edge ending at nodeID.
func (s *Store) IncomingEdges(nodeID string) ([]*Edge, error) {
	return s.edgesByIndex(prefixIncoming, nodeID)
}

// NodeCount and EdgeCount scan their respective key prefixes; the demo store
// favors simplicity over the teacher's cached counters.
func (s *Store) countPrefix(prefixByte byte) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte{prefixByte}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) NodeCount() (int64, error) { return s.countPrefix(prefixNode) }
func (s *Store) EdgeCount() (int64, error) { return s.countPrefix(prefixEdge) }
