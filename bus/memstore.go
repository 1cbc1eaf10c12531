package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/flowforge/core"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu       sync.RWMutex
	messages map[string][]core.StatusMessage // executionID -> messages
}

// NewMemEventStore creates an in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		messages: make(map[string][]core.StatusMessage),
	}
}

func (s *MemEventStore) Append(_ context.Context, msg core.StatusMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.messages[msg.ExecutionID], msg)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	s.messages[msg.ExecutionID] = list
	return nil
}

func (s *MemEventStore) List(_ context.Context, executionID string, afterSeq uint64, limit int) ([]core.StatusMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []core.StatusMessage
	for _, m := range s.messages[executionID] {
		if afterSeq > 0 && m.Seq <= afterSeq {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, executionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, m := range s.messages[executionID] {
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
	}
	return maxSeq, nil
}

var _ EventStore = (*MemEventStore)(nil)
