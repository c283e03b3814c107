// Package metadata maintains the structured, JSON-serializable record of
// one build run: flat key-values, an append-only list of CL actions, and
// per-board sub-documents. A single store is shared by every stage in the
// run, so all read-modify-write merges are serialized by one mutex.
package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Reserved document keys with their own merge semantics.
const (
	// CLActionsKey holds the append-only list of CL action records.
	CLActionsKey = "cl_actions"
	// BoardMetadataKey holds the per-board nested documents.
	BoardMetadataKey = "board-metadata"
)

// boardKeyDelimiter joins board name and key in the flattened internal
// representation of per-board metadata. Neither may contain it.
const boardKeyDelimiter = ":"

// InvalidKeyError reports a board name or key containing the reserved
// delimiter. The offending merge call fails; the store is unchanged.
type InvalidKeyError struct {
	Key string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("metadata: key %q contains reserved delimiter %q", e.Key, boardKeyDelimiter)
}

func checkKey(key string) error {
	if strings.Contains(key, boardKeyDelimiter) {
		return &InvalidKeyError{Key: key}
	}
	return nil
}

// Store is the mutable metadata document for one build run.
type Store struct {
	mu        sync.Mutex
	values    map[string]interface{} // flat keys, last write wins
	clActions []interface{}          // append-only
	perBoard  map[string]interface{} // flattened "board:key" entries; "board:" marks presence
	now       func() time.Time
}

// New returns an empty metadata store.
func New() *Store {
	return &Store{
		values:   make(map[string]interface{}),
		perBoard: make(map[string]interface{}),
		now:      time.Now,
	}
}

// NewFromDocument returns a store seeded from a previously materialized
// document, e.g. a --metadata-dump snapshot handed to a re-executed child.
func NewFromDocument(doc map[string]interface{}) (*Store, error) {
	s := New()
	if err := s.MergeDocument(doc); err != nil {
		return nil, err
	}
	return s, nil
}

// MergeDocument applies doc to the store: flat keys overwrite, cl_actions
// entries are appended, and board-metadata is deep-merged per board.
func (s *Store) MergeDocument(doc map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the board region up front so a failed merge leaves the
	// store untouched.
	boards, err := boardRegion(doc)
	if err != nil {
		return err
	}
	for board, sub := range boards {
		if err := checkKey(board); err != nil {
			return err
		}
		for k := range sub {
			if err := checkKey(k); err != nil {
				return err
			}
		}
	}

	for k, v := range doc {
		switch k {
		case CLActionsKey:
			if list, ok := v.([]interface{}); ok {
				s.clActions = append(s.clActions, list...)
			}
		case BoardMetadataKey:
			// handled below from the validated copy
		default:
			s.values[k] = v
		}
	}
	for board, sub := range boards {
		s.mergeBoardLocked(board, sub)
	}
	return nil
}

// boardRegion extracts doc's board-metadata mapping, tolerating both
// map[string]interface{} (from JSON) and nil.
func boardRegion(doc map[string]interface{}) (map[string]map[string]interface{}, error) {
	raw, ok := doc[BoardMetadataKey]
	if !ok || raw == nil {
		return nil, nil
	}
	region, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metadata: %s is not a mapping", BoardMetadataKey)
	}
	out := make(map[string]map[string]interface{}, len(region))
	for board, v := range region {
		sub, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("metadata: %s entry %q is not a mapping", BoardMetadataKey, board)
		}
		out[board] = sub
	}
	return out, nil
}

// MergeKeyDict merges partial into the dictionary stored under key,
// key by key, creating it when absent. The read-modify-write is atomic
// with respect to all other merge operations.
func (s *Store) MergeKeyDict(key string, partial map[string]interface{}) error {
	if key == CLActionsKey || key == BoardMetadataKey {
		return fmt.Errorf("metadata: %q is a reserved key", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target, _ := s.values[key].(map[string]interface{})
	merged := make(map[string]interface{}, len(target)+len(partial))
	for k, v := range target {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	s.values[key] = merged
	return nil
}

// MergeBoardDict merges partial into board's sub-document. An entry for
// board is created even when partial is empty, so board presence is
// observable independently of the board having data.
func (s *Store) MergeBoardDict(board string, partial map[string]interface{}) error {
	if err := checkKey(board); err != nil {
		return err
	}
	for k := range partial {
		if err := checkKey(k); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeBoardLocked(board, partial)
	return nil
}

// mergeBoardLocked assumes s.mu is held and board/keys are validated.
func (s *Store) mergeBoardLocked(board string, partial map[string]interface{}) {
	s.perBoard[board+boardKeyDelimiter] = nil
	for k, v := range partial {
		s.perBoard[board+boardKeyDelimiter+k] = v
	}
}

// SetValue stores a flat key. Last write wins on merge.
func (s *Store) SetValue(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// GetValue looks up a flat key. It cannot see the cl_actions or
// board-metadata regions, which are not flat keys.
func (s *Store) GetValue(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// RecordCLAction appends a record of an action taken on a code change.
// The timestamp is the current time.
func (s *Store) RecordCLAction(change GerritPatch, action, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clActions = append(s.clActions, CLAction{
		Change:    change,
		Action:    action,
		Timestamp: s.now().Unix(),
		Reason:    reason,
	})
}

// CLActionCount returns the number of recorded CL actions.
func (s *Store) CLActionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clActions)
}

// ToDocument materializes the full nested view: flat keys, the cl_actions
// sequence, and board-metadata un-flattened into nested maps. The result
// is a consistent snapshot; no partially merged board entry is visible.
func (s *Store) ToDocument() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := make(map[string]interface{}, len(s.values)+2)
	for k, v := range s.values {
		doc[k] = v
	}
	doc[CLActionsKey] = append([]interface{}{}, s.clActions...)

	boards := make(map[string]interface{})
	for flat, v := range s.perBoard {
		idx := strings.Index(flat, boardKeyDelimiter)
		board, key := flat[:idx], flat[idx+1:]
		sub, ok := boards[board].(map[string]interface{})
		if !ok {
			sub = make(map[string]interface{})
			boards[board] = sub
		}
		if key != "" {
			sub[key] = v
		}
	}
	doc[BoardMetadataKey] = boards
	return doc
}

// ToJSON serializes the materialized document.
func (s *Store) ToJSON() ([]byte, error) {
	return json.Marshal(s.ToDocument())
}

// FromJSON builds a store from a document produced by ToJSON. The round
// trip is lossless: FromJSON(ToJSON(s)).ToDocument() equals s.ToDocument()
// up to JSON number representation.
func FromJSON(data []byte) (*Store, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("metadata: parse json: %w", err)
	}
	return NewFromDocument(doc)
}
