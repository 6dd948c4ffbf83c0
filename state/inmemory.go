package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orderflow/orderflow/fault"
)

// InMemoryStore is an in-memory implementation of Store
type InMemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*WorkflowState
	events     map[string][]*Event
	activities map[string]*ActivityState
	timers     map[string]map[string]*TimerRecord // workflowID -> timerID -> record
}

// NewInMemoryStore creates a new in-memory state store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:  make(map[string]*WorkflowState),
		events:     make(map[string][]*Event),
		activities: make(map[string]*ActivityState),
		timers:     make(map[string]map[string]*TimerRecord),
	}
}

// CreateWorkflowState implements Store
func (s *InMemoryStore) CreateWorkflowState(ctx context.Context, st *WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.workflows[st.WorkflowID]; ok {
		if !existing.Status.IsTerminal() {
			return fault.New(fault.KindConflict, "workflow %s already started", st.WorkflowID)
		}
		// terminal run is replaced by a fresh one
		delete(s.events, st.WorkflowID)
		delete(s.timers, st.WorkflowID)
	}

	stateCopy := *st
	s.workflows[st.WorkflowID] = &stateCopy
	return nil
}

// SaveWorkflowState implements Store
func (s *InMemoryStore) SaveWorkflowState(ctx context.Context, st *WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy to avoid external mutations
	stateCopy := *st
	s.workflows[st.WorkflowID] = &stateCopy
	return nil
}

// GetWorkflowState implements Store
func (s *InMemoryStore) GetWorkflowState(ctx context.Context, workflowID string) (*WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.workflows[workflowID]
	if !exists {
		return nil, fault.New(fault.KindNotFound, "workflow %s not found", workflowID)
	}

	stateCopy := *st
	return &stateCopy, nil
}

// AppendEvent implements Store
func (s *InMemoryStore) AppendEvent(ctx context.Context, event *Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[event.WorkflowID]

	// Dense, strictly increasing per instance
	event.SequenceNum = int64(len(events)) + 1

	eventCopy := *event
	s.events[event.WorkflowID] = append(events, &eventCopy)

	if wf, ok := s.workflows[event.WorkflowID]; ok {
		wf.LastEventSeq = event.SequenceNum
	}

	return event.SequenceNum, nil
}

// GetEvents implements Store
func (s *InMemoryStore) GetEvents(ctx context.Context, workflowID string) ([]*Event, error) {
	return s.GetEventsSince(ctx, workflowID, 0)
}

// GetEventsSince implements Store
func (s *InMemoryStore) GetEventsSince(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, exists := s.events[workflowID]
	if !exists {
		return []*Event{}, nil
	}

	result := make([]*Event, 0, len(events))
	for _, event := range events {
		if event.SequenceNum > since {
			eventCopy := *event
			result = append(result, &eventCopy)
		}
	}

	return result, nil
}

// SaveActivityState implements Store
func (s *InMemoryStore) SaveActivityState(ctx context.Context, st *ActivityState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateCopy := *st
	s.activities[st.ActivityID] = &stateCopy
	return nil
}

// GetActivityState implements Store
func (s *InMemoryStore) GetActivityState(ctx context.Context, activityID string) (*ActivityState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.activities[activityID]
	if !exists {
		return nil, fault.New(fault.KindNotFound, "activity %s not found", activityID)
	}

	stateCopy := *st
	return &stateCopy, nil
}

// ScheduleTimer implements Store
func (s *InMemoryStore) ScheduleTimer(ctx context.Context, rec *TimerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.timers[rec.WorkflowID]
	if !ok {
		byID = make(map[string]*TimerRecord)
		s.timers[rec.WorkflowID] = byID
	}
	if _, exists := byID[rec.TimerID]; exists {
		return nil
	}
	recCopy := *rec
	byID[rec.TimerID] = &recCopy
	return nil
}

// ListDueTimers implements Store
func (s *InMemoryStore) ListDueTimers(ctx context.Context, now time.Time) ([]*TimerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*TimerRecord
	for _, byID := range s.timers {
		for _, rec := range byID {
			if !rec.Fired && !rec.FireAt.After(now) {
				recCopy := *rec
				due = append(due, &recCopy)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	return due, nil
}

// MarkTimerFired implements Store
func (s *InMemoryStore) MarkTimerFired(ctx context.Context, workflowID, timerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.timers[workflowID]
	if !ok {
		return false, nil
	}
	rec, ok := byID[timerID]
	if !ok || rec.Fired {
		return false, nil
	}
	rec.Fired = true
	return true, nil
}

// ListWorkflows implements Store
func (s *InMemoryStore) ListWorkflows(ctx context.Context, status WorkflowStatus) ([]*WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*WorkflowState, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if status != "" && wf.Status != status {
			continue
		}
		wfCopy := *wf
		result = append(result, &wfCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// DeleteWorkflow implements Store
func (s *InMemoryStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workflows, workflowID)
	delete(s.events, workflowID)
	delete(s.timers, workflowID)
	for id, act := range s.activities {
		if act.WorkflowID == workflowID {
			delete(s.activities, id)
		}
	}
	return nil
}
