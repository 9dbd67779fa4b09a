// Package inmem implements the persistence contracts entirely in memory.
// It exists for tests and for runs explicitly configured without a document
// store; nothing falls back to it implicitly. Semantics mirror store/mongo:
// upserts on entity_id, created_at preserved across re-saves, $addToSet
// behavior on cross-reference arrays and latest-job resolution by max
// created_at.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"opskb/knowledge"
	"opskb/store"
)

// Store holds all documents in process memory. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	colls map[string]map[string]map[string]any

	logMu sync.Mutex
	log   map[string]knowledge.ActivityExecution

	cpMu sync.Mutex
	cps  map[string]knowledge.Checkpoint

	dedupMu sync.Mutex
	dedup   map[string]knowledge.IngestionMetadata

	states map[string]knowledge.WorkflowState
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		colls:  make(map[string]map[string]map[string]any),
		log:    make(map[string]knowledge.ActivityExecution),
		cps:    make(map[string]knowledge.Checkpoint),
		dedup:  make(map[string]knowledge.IngestionMetadata),
		states: make(map[string]knowledge.WorkflowState),
	}
}

// Name implements goa.design/clue/health.Pinger.
func (s *Store) Name() string { return "knowledge-inmem" }

// Ping implements goa.design/clue/health.Pinger.
func (s *Store) Ping(context.Context) error { return nil }

func toDoc(entity any) (map[string]any, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDoc[T any](doc map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func (s *Store) upsert(coll, idField string, entity any) error {
	doc, err := toDoc(entity)
	if err != nil {
		return err
	}
	id, _ := doc[idField].(string)
	if id == "" {
		return fmt.Errorf("entity is missing %s", idField)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.colls[coll]
	if docs == nil {
		docs = make(map[string]map[string]any)
		s.colls[coll] = docs
	}
	if prev, ok := docs[id]; ok {
		if created, ok := prev["created_at"]; ok {
			doc["created_at"] = created
		}
	}
	docs[id] = doc
	return nil
}

func docTime(doc map[string]any, field string) time.Time {
	str, _ := doc[field].(string)
	if str == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) latestJob(coll, knowledgeID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best time.Time
	job := ""
	for _, doc := range s.colls[coll] {
		if doc["knowledge_id"] != knowledgeID {
			continue
		}
		if at := docTime(doc, "created_at"); job == "" || at.After(best) {
			best = at
			job, _ = doc["job_id"].(string)
		}
	}
	return job
}

func findAll[T any](s *Store, kind knowledge.Kind, knowledgeID, jobID string) ([]T, error) {
	if jobID == "" {
		jobID = s.latestJob(string(kind), knowledgeID)
		if jobID == "" {
			return nil, nil
		}
	}
	s.mu.RLock()
	matched := make([]map[string]any, 0)
	for _, doc := range s.colls[string(kind)] {
		if doc["knowledge_id"] == knowledgeID && doc["job_id"] == jobID {
			matched = append(matched, doc)
		}
	}
	s.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		return docTime(matched[i], "created_at").Before(docTime(matched[j], "created_at"))
	})
	out := make([]T, 0, len(matched))
	for _, doc := range matched {
		item, err := fromDoc[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func findOne[T any](s *Store, kind knowledge.Kind, idField, id string) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.colls[string(kind)] {
		if doc[idField] == id {
			item, err := fromDoc[T](doc)
			if err != nil {
				return nil, err
			}
			return &item, nil
		}
	}
	return nil, store.ErrNotFound
}

func saveAll[T any](s *Store, kind knowledge.Kind, items []T, env func(*T) *knowledge.Envelope) (store.BulkResult, error) {
	res := store.BulkResult{Total: len(items)}
	now := time.Now().UTC()
	var firstErr error
	for i := range items {
		e := env(&items[i])
		if e.EntityID == "" {
			e.EntityID = knowledge.NewEntityID(kind)
		}
		store.Stamp(e, e.KnowledgeID, e.JobID, now)
		if err := s.upsert(string(kind), "entity_id", items[i]); err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Saved++
	}
	return res, firstErr
}

// SaveIngestion persists one ingestion result.
func (s *Store) SaveIngestion(_ context.Context, r *knowledge.IngestionResult) error {
	if r.IngestionID == "" {
		return errors.New("ingestion id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.upsert(string(knowledge.KindIngestion), "ingestion_id", r)
}

func (s *Store) Ingestions(_ context.Context, knowledgeID, jobID string) ([]knowledge.IngestionResult, error) {
	return findAll[knowledge.IngestionResult](s, knowledge.KindIngestion, knowledgeID, jobID)
}

func (s *Store) IngestionByID(_ context.Context, ingestionID string) (*knowledge.IngestionResult, error) {
	return findOne[knowledge.IngestionResult](s, knowledge.KindIngestion, "ingestion_id", ingestionID)
}

func (s *Store) SaveScreens(_ context.Context, screens []knowledge.Screen) (store.BulkResult, error) {
	return saveAll(s, knowledge.KindScreen, screens, func(e *knowledge.Screen) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Screens(_ context.Context, knowledgeID, jobID string) ([]knowledge.Screen, error) {
	return findAll[knowledge.Screen](s, knowledge.KindScreen, knowledgeID, jobID)
}

func (s *Store) ScreenByID(_ context.Context, entityID string) (*knowledge.Screen, error) {
	return findOne[knowledge.Screen](s, knowledge.KindScreen, "entity_id", entityID)
}

func (s *Store) SaveTasks(_ context.Context, tasks []knowledge.Task) (store.BulkResult, error) {
	return saveAll(s, knowledge.KindTask, tasks, func(e *knowledge.Task) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Tasks(_ context.Context, knowledgeID, jobID string) ([]knowledge.Task, error) {
	return findAll[knowledge.Task](s, knowledge.KindTask, knowledgeID, jobID)
}

func (s *Store) TaskByID(_ context.Context, entityID string) (*knowledge.Task, error) {
	return findOne[knowledge.Task](s, knowledge.KindTask, "entity_id", entityID)
}

func (s *Store) SaveActions(_ context.Context, actions []knowledge.Action) (store.BulkResult, error) {
	return saveAll(s, knowledge.KindAction, actions, func(e *knowledge.Action) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Actions(_ context.Context, knowledgeID, jobID string) ([]knowledge.Action, error) {
	return findAll[knowledge.Action](s, knowledge.KindAction, knowledgeID, jobID)
}

func (s *Store) SaveTransitions(_ context.Context, transitions []knowledge.Transition) (store.BulkResult, error) {
	return saveAll(s, knowledge.KindTransition, transitions, func(e *knowledge.Transition) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Transitions(_ context.Context, knowledgeID, jobID string) ([]knowledge.Transition, error) {
	return findAll[knowledge.Transition](s, knowledge.KindTransition, knowledgeID, jobID)
}

func (s *Store) SaveBusinessFunctions(_ context.Context, fns []knowledge.BusinessFunction) (store.BulkResult, error) {
	return saveAll(s, knowledge.KindBusinessFunction, fns, func(e *knowledge.BusinessFunction) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) BusinessFunctions(_ context.Context, knowledgeID, jobID string) ([]knowledge.BusinessFunction, error) {
	return findAll[knowledge.BusinessFunction](s, knowledge.KindBusinessFunction, knowledgeID, jobID)
}

func (s *Store) SaveBusinessFeatures(_ context.Context, feats []knowledge.BusinessFeature) (store.BulkResult, error) {
	return saveAll(s, knowledge.KindBusinessFeature, feats, func(e *knowledge.BusinessFeature) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) BusinessFeatures(_ context.Context, knowledgeID, jobID string) ([]knowledge.BusinessFeature, error) {
	return findAll[knowledge.BusinessFeature](s, knowledge.KindBusinessFeature, knowledgeID, jobID)
}

func (s *Store) SaveWorkflows(_ context.Context, wfs []knowledge.OperationalWorkflow) (store.BulkResult, error) {
	return saveAll(s, knowledge.KindWorkflow, wfs, func(e *knowledge.OperationalWorkflow) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Workflows(_ context.Context, knowledgeID, jobID string) ([]knowledge.OperationalWorkflow, error) {
	return findAll[knowledge.OperationalWorkflow](s, knowledge.KindWorkflow, knowledgeID, jobID)
}

func (s *Store) SaveUserFlows(_ context.Context, flows []knowledge.UserFlow) (store.BulkResult, error) {
	return saveAll(s, knowledge.KindUserFlow, flows, func(e *knowledge.UserFlow) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) UserFlows(_ context.Context, knowledgeID, jobID string) ([]knowledge.UserFlow, error) {
	return findAll[knowledge.UserFlow](s, knowledge.KindUserFlow, knowledgeID, jobID)
}

func (s *Store) SaveDiscrepancies(_ context.Context, ds []knowledge.Discrepancy) (store.BulkResult, error) {
	res := store.BulkResult{Total: len(ds)}
	var firstErr error
	for i := range ds {
		if ds[i].DiscrepancyID == "" {
			ds[i].DiscrepancyID = knowledge.NewEntityID(knowledge.KindDiscrepancy)
		}
		if ds[i].DetectedAt.IsZero() {
			ds[i].DetectedAt = time.Now().UTC()
		}
		if err := s.upsert(string(knowledge.KindDiscrepancy), "discrepancy_id", ds[i]); err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Saved++
	}
	return res, firstErr
}

func (s *Store) Discrepancies(_ context.Context, knowledgeID, jobID string) ([]knowledge.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []knowledge.Discrepancy
	for _, doc := range s.colls[string(knowledge.KindDiscrepancy)] {
		if doc["knowledge_id"] != knowledgeID {
			continue
		}
		if jobID != "" && doc["job_id"] != jobID {
			continue
		}
		d, err := fromDoc[knowledge.Discrepancy](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// AddToSet appends values to a cross-reference array with set semantics.
func (s *Store) AddToSet(_ context.Context, kind knowledge.Kind, entityID, field string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.colls[string(kind)][entityID]
	if !ok {
		return store.ErrNotFound
	}
	existing, _ := doc[field].([]any)
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		if str, ok := v.(string); ok {
			seen[str] = struct{}{}
		}
	}
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		existing = append(existing, v)
		seen[v] = struct{}{}
	}
	doc[field] = existing
	doc["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

// Counts returns per-kind entity counts for a knowledge id.
func (s *Store) Counts(_ context.Context, knowledgeID, jobID string) (map[knowledge.Kind]int64, error) {
	out := make(map[knowledge.Kind]int64, len(knowledge.EntityKinds))
	for _, kind := range knowledge.EntityKinds {
		scoped := jobID
		if scoped == "" {
			scoped = s.latestJob(string(kind), knowledgeID)
			if scoped == "" {
				out[kind] = 0
				continue
			}
		}
		s.mu.RLock()
		var n int64
		for _, doc := range s.colls[string(kind)] {
			if doc["knowledge_id"] == knowledgeID && doc["job_id"] == scoped {
				n++
			}
		}
		s.mu.RUnlock()
		out[kind] = n
	}
	return out, nil
}

// LatestJobID resolves the most recent job for a knowledge id.
func (s *Store) LatestJobID(_ context.Context, knowledgeID string) (string, error) {
	for _, kind := range []knowledge.Kind{knowledge.KindIngestion, knowledge.KindScreen, knowledge.KindWorkflow} {
		if job := s.latestJob(string(kind), knowledgeID); job != "" {
			return job, nil
		}
	}
	return "", nil
}

// DeleteKnowledge removes every entity under a knowledge id.
func (s *Store) DeleteKnowledge(_ context.Context, knowledgeID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, kind := range knowledge.EntityKinds {
		docs := s.colls[string(kind)]
		for id, doc := range docs {
			if doc["knowledge_id"] == knowledgeID {
				delete(docs, id)
				total++
			}
		}
	}
	return total, nil
}

// SaveWorkflowState upserts the orchestration snapshot for a run.
func (s *Store) SaveWorkflowState(_ context.Context, st *knowledge.WorkflowState) error {
	if st.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	if prev, ok := s.states[st.WorkflowID]; ok {
		st.StartedAt = prev.StartedAt
	} else if st.StartedAt.IsZero() {
		st.StartedAt = st.UpdatedAt
	}
	s.states[st.WorkflowID] = *st
	return nil
}

// WorkflowState loads the snapshot for a workflow id.
func (s *Store) WorkflowState(_ context.Context, workflowID string) (*knowledge.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[workflowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := st
	return &copied, nil
}

func logKey(workflowID, activityName, inputHash string) string {
	return workflowID + "\x00" + activityName + "\x00" + inputHash
}

// Lookup implements store.IdempotencyLog.
func (s *Store) Lookup(_ context.Context, workflowID, activityName, inputHash string) (*knowledge.ActivityExecution, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	exec, ok := s.log[logKey(workflowID, activityName, inputHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := exec
	return &copied, nil
}

// Record implements store.IdempotencyLog. A later failure never replaces a
// recorded success.
func (s *Store) Record(_ context.Context, exec *knowledge.ActivityExecution) error {
	if exec.WorkflowID == "" || exec.ActivityName == "" || exec.InputHash == "" {
		return errors.New("workflow id, activity name and input hash are required")
	}
	if exec.RecordedAt.IsZero() {
		exec.RecordedAt = time.Now().UTC()
	}
	key := logKey(exec.WorkflowID, exec.ActivityName, exec.InputHash)
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if prev, ok := s.log[key]; ok && prev.Success {
		return nil
	}
	s.log[key] = *exec
	return nil
}

// Save implements store.CheckpointStore.
func (s *Store) Save(_ context.Context, cp *knowledge.Checkpoint) error {
	if cp.WorkflowID == "" || cp.Phase == "" {
		return errors.New("workflow id and phase are required")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.cpMu.Lock()
	defer s.cpMu.Unlock()
	s.cps[cp.WorkflowID+"\x00"+string(cp.Phase)] = *cp
	return nil
}

// Load implements store.CheckpointStore.
func (s *Store) Load(_ context.Context, workflowID string, phase knowledge.Phase) (*knowledge.Checkpoint, error) {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()
	cp, ok := s.cps[workflowID+"\x00"+string(phase)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := cp
	return &copied, nil
}

// LookupHash implements store.IngestionDedup.
func (s *Store) LookupHash(_ context.Context, contentHash string) (*knowledge.IngestionMetadata, error) {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	meta, ok := s.dedup[contentHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := meta
	return &copied, nil
}

// RecordHash implements store.IngestionDedup.
func (s *Store) RecordHash(_ context.Context, meta *knowledge.IngestionMetadata) error {
	if meta.ContentHash == "" {
		return errors.New("content hash is required")
	}
	if meta.IngestedAt.IsZero() {
		meta.IngestedAt = time.Now().UTC()
	}
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	s.dedup[meta.ContentHash] = *meta
	return nil
}
