// Package mongo implements the pipeline persistence contracts on MongoDB.
// One collection per entity kind, upserts keyed by entity_id, compound
// indexes on (knowledge_id, job_id). The client follows the repository
// conventions: an Options struct, a narrow collection interface so tests can
// substitute fakes, document-level converters and per-call timeouts.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"opskb/knowledge"
	"opskb/store"
)

const (
	defaultOpTimeout = 10 * time.Second
	clientName       = "knowledge-mongo"

	collWorkflowStates    = "workflow_states"
	collActivityLog       = "activity_log"
	collCheckpoints       = "checkpoints"
	collIngestionMetadata = "ingestion_metadata"
)

// Options configures the Mongo knowledge store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements store.Store, store.IdempotencyLog, store.CheckpointStore
// and store.IngestionDedup backed by MongoDB.
type Store struct {
	mongo   *mongodriver.Client
	colls   func(name string) collection
	timeout time.Duration
}

// New returns a Store backed by MongoDB and ensures the indexes every
// query path relies on.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo: opts.Client,
		colls: func(name string) collection {
			return mongoCollection{coll: db.Collection(name)}
		},
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

// Name implements goa.design/clue/health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements goa.design/clue/health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	for _, kind := range knowledge.EntityKinds {
		coll := s.colls(string(kind))
		models := []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "entity_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "knowledge_id", Value: 1}, {Key: "job_id", Value: 1}}},
		}
		if kind == knowledge.KindIngestion {
			models[0] = mongodriver.IndexModel{
				Keys:    bson.D{{Key: "ingestion_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			}
		}
		for _, m := range models {
			if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
				return err
			}
		}
	}
	logIdx := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "workflow_id", Value: 1},
			{Key: "activity_name", Value: 1},
			{Key: "input_hash", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.colls(collActivityLog).Indexes().CreateOne(ctx, logIdx); err != nil {
		return err
	}
	cpIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "phase", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.colls(collCheckpoints).Indexes().CreateOne(ctx, cpIdx); err != nil {
		return err
	}
	hashIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "content_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.colls(collIngestionMetadata).Indexes().CreateOne(ctx, hashIdx); err != nil {
		return err
	}
	stateIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := s.colls(collWorkflowStates).Indexes().CreateOne(ctx, stateIdx)
	return err
}

// upsertDoc marshals an entity and upserts it on idField. created_at moves
// to $setOnInsert so re-saves keep the original creation time.
func (s *Store) upsertDoc(ctx context.Context, coll collection, idField string, entity any) error {
	raw, err := bson.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal entity document: %w", err)
	}
	id, _ := doc[idField].(string)
	if id == "" {
		return fmt.Errorf("entity is missing %s", idField)
	}
	createdAt, hasCreated := doc["created_at"]
	delete(doc, "created_at")
	update := bson.M{"$set": doc}
	if hasCreated {
		update["$setOnInsert"] = bson.M{"created_at": createdAt}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = coll.UpdateOne(ctx, bson.M{idField: id}, update, options.Update().SetUpsert(true))
	return err
}

// saveEntities upserts a batch in input order, stamping updated_at and a
// creation time on each envelope first.
func saveEntities[T any](ctx context.Context, s *Store, kind knowledge.Kind, items []T, env func(*T) *knowledge.Envelope) (store.BulkResult, error) {
	res := store.BulkResult{Total: len(items)}
	now := time.Now().UTC()
	var firstErr error
	for i := range items {
		e := env(&items[i])
		if e.EntityID == "" {
			e.EntityID = knowledge.NewEntityID(kind)
		}
		store.Stamp(e, e.KnowledgeID, e.JobID, now)
		if err := s.upsertDoc(ctx, s.colls(string(kind)), "entity_id", items[i]); err != nil {
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

func findEntities[T any](ctx context.Context, s *Store, kind knowledge.Kind, knowledgeID, jobID string) ([]T, error) {
	coll := s.colls(string(kind))
	if jobID == "" {
		latest, err := s.latestJobInColl(ctx, coll, knowledgeID)
		if err != nil {
			return nil, err
		}
		if latest == "" {
			return nil, nil
		}
		jobID = latest
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := coll.Find(ctx, bson.M{"knowledge_id": knowledgeID, "job_id": jobID})
	if err != nil {
		return nil, err
	}
	var out []T
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func findByID[T any](ctx context.Context, s *Store, kind knowledge.Kind, idField, id string) (*T, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var out T
	err := s.colls(string(kind)).FindOne(ctx, bson.M{idField: id}).Decode(&out)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// latestJobInColl resolves the job_id of the most recently created document
// for a knowledge id within one collection.
func (s *Store) latestJobInColl(ctx context.Context, coll collection, knowledgeID string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc struct {
		JobID string `bson:"job_id"`
	}
	err := coll.FindOne(ctx, bson.M{"knowledge_id": knowledgeID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}
	return doc.JobID, nil
}

// SaveIngestion persists one ingestion result atomically.
func (s *Store) SaveIngestion(ctx context.Context, r *knowledge.IngestionResult) error {
	if r.IngestionID == "" {
		return errors.New("ingestion id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.upsertDoc(ctx, s.colls(string(knowledge.KindIngestion)), "ingestion_id", r)
}

// Ingestions returns the ingestion results for a knowledge id.
func (s *Store) Ingestions(ctx context.Context, knowledgeID, jobID string) ([]knowledge.IngestionResult, error) {
	return findEntities[knowledge.IngestionResult](ctx, s, knowledge.KindIngestion, knowledgeID, jobID)
}

// IngestionByID loads a single ingestion result.
func (s *Store) IngestionByID(ctx context.Context, ingestionID string) (*knowledge.IngestionResult, error) {
	return findByID[knowledge.IngestionResult](ctx, s, knowledge.KindIngestion, "ingestion_id", ingestionID)
}

func (s *Store) SaveScreens(ctx context.Context, screens []knowledge.Screen) (store.BulkResult, error) {
	return saveEntities(ctx, s, knowledge.KindScreen, screens, func(e *knowledge.Screen) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Screens(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Screen, error) {
	return findEntities[knowledge.Screen](ctx, s, knowledge.KindScreen, knowledgeID, jobID)
}

func (s *Store) ScreenByID(ctx context.Context, entityID string) (*knowledge.Screen, error) {
	return findByID[knowledge.Screen](ctx, s, knowledge.KindScreen, "entity_id", entityID)
}

func (s *Store) SaveTasks(ctx context.Context, tasks []knowledge.Task) (store.BulkResult, error) {
	return saveEntities(ctx, s, knowledge.KindTask, tasks, func(e *knowledge.Task) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Tasks(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Task, error) {
	return findEntities[knowledge.Task](ctx, s, knowledge.KindTask, knowledgeID, jobID)
}

func (s *Store) TaskByID(ctx context.Context, entityID string) (*knowledge.Task, error) {
	return findByID[knowledge.Task](ctx, s, knowledge.KindTask, "entity_id", entityID)
}

func (s *Store) SaveActions(ctx context.Context, actions []knowledge.Action) (store.BulkResult, error) {
	return saveEntities(ctx, s, knowledge.KindAction, actions, func(e *knowledge.Action) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Actions(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Action, error) {
	return findEntities[knowledge.Action](ctx, s, knowledge.KindAction, knowledgeID, jobID)
}

func (s *Store) SaveTransitions(ctx context.Context, transitions []knowledge.Transition) (store.BulkResult, error) {
	return saveEntities(ctx, s, knowledge.KindTransition, transitions, func(e *knowledge.Transition) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Transitions(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Transition, error) {
	return findEntities[knowledge.Transition](ctx, s, knowledge.KindTransition, knowledgeID, jobID)
}

func (s *Store) SaveBusinessFunctions(ctx context.Context, fns []knowledge.BusinessFunction) (store.BulkResult, error) {
	return saveEntities(ctx, s, knowledge.KindBusinessFunction, fns, func(e *knowledge.BusinessFunction) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) BusinessFunctions(ctx context.Context, knowledgeID, jobID string) ([]knowledge.BusinessFunction, error) {
	return findEntities[knowledge.BusinessFunction](ctx, s, knowledge.KindBusinessFunction, knowledgeID, jobID)
}

func (s *Store) SaveBusinessFeatures(ctx context.Context, feats []knowledge.BusinessFeature) (store.BulkResult, error) {
	return saveEntities(ctx, s, knowledge.KindBusinessFeature, feats, func(e *knowledge.BusinessFeature) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) BusinessFeatures(ctx context.Context, knowledgeID, jobID string) ([]knowledge.BusinessFeature, error) {
	return findEntities[knowledge.BusinessFeature](ctx, s, knowledge.KindBusinessFeature, knowledgeID, jobID)
}

func (s *Store) SaveWorkflows(ctx context.Context, wfs []knowledge.OperationalWorkflow) (store.BulkResult, error) {
	return saveEntities(ctx, s, knowledge.KindWorkflow, wfs, func(e *knowledge.OperationalWorkflow) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) Workflows(ctx context.Context, knowledgeID, jobID string) ([]knowledge.OperationalWorkflow, error) {
	return findEntities[knowledge.OperationalWorkflow](ctx, s, knowledge.KindWorkflow, knowledgeID, jobID)
}

func (s *Store) SaveUserFlows(ctx context.Context, flows []knowledge.UserFlow) (store.BulkResult, error) {
	return saveEntities(ctx, s, knowledge.KindUserFlow, flows, func(e *knowledge.UserFlow) *knowledge.Envelope { return &e.Envelope })
}

func (s *Store) UserFlows(ctx context.Context, knowledgeID, jobID string) ([]knowledge.UserFlow, error) {
	return findEntities[knowledge.UserFlow](ctx, s, knowledge.KindUserFlow, knowledgeID, jobID)
}

func (s *Store) SaveDiscrepancies(ctx context.Context, ds []knowledge.Discrepancy) (store.BulkResult, error) {
	res := store.BulkResult{Total: len(ds)}
	var firstErr error
	for i := range ds {
		if ds[i].DiscrepancyID == "" {
			ds[i].DiscrepancyID = knowledge.NewEntityID(knowledge.KindDiscrepancy)
		}
		if err := s.upsertDoc(ctx, s.colls(string(knowledge.KindDiscrepancy)), "discrepancy_id", ds[i]); err != nil {
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

func (s *Store) Discrepancies(ctx context.Context, knowledgeID, jobID string) ([]knowledge.Discrepancy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"knowledge_id": knowledgeID}
	if jobID != "" {
		filter["job_id"] = jobID
	}
	cur, err := s.colls(string(knowledge.KindDiscrepancy)).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var out []knowledge.Discrepancy
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddToSet appends values to a cross-reference array with $addToSet
// semantics so repeated linking passes cannot duplicate references.
func (s *Store) AddToSet(ctx context.Context, kind knowledge.Kind, entityID, field string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$addToSet": bson.M{field: bson.M{"$each": values}},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	}
	_, err := s.colls(string(kind)).UpdateOne(ctx, bson.M{"entity_id": entityID}, update)
	return err
}

// Counts returns per-kind entity counts for a knowledge id.
func (s *Store) Counts(ctx context.Context, knowledgeID, jobID string) (map[knowledge.Kind]int64, error) {
	out := make(map[knowledge.Kind]int64, len(knowledge.EntityKinds))
	for _, kind := range knowledge.EntityKinds {
		coll := s.colls(string(kind))
		scoped := jobID
		if scoped == "" {
			latest, err := s.latestJobInColl(ctx, coll, knowledgeID)
			if err != nil {
				return nil, err
			}
			if latest == "" {
				out[kind] = 0
				continue
			}
			scoped = latest
		}
		cctx, cancel := s.withTimeout(ctx)
		n, err := coll.CountDocuments(cctx, bson.M{"knowledge_id": knowledgeID, "job_id": scoped})
		cancel()
		if err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, nil
}

// LatestJobID resolves the most recent job for a knowledge id.
func (s *Store) LatestJobID(ctx context.Context, knowledgeID string) (string, error) {
	for _, kind := range []knowledge.Kind{knowledge.KindIngestion, knowledge.KindScreen, knowledge.KindWorkflow} {
		job, err := s.latestJobInColl(ctx, s.colls(string(kind)), knowledgeID)
		if err != nil {
			return "", err
		}
		if job != "" {
			return job, nil
		}
	}
	return "", nil
}

// DeleteKnowledge removes every entity under a knowledge id across all
// collections and returns the total deleted count.
func (s *Store) DeleteKnowledge(ctx context.Context, knowledgeID string) (int64, error) {
	var total int64
	for _, kind := range knowledge.EntityKinds {
		ctx2, cancel := s.withTimeout(ctx)
		n, err := s.colls(string(kind)).DeleteMany(ctx2, bson.M{"knowledge_id": knowledgeID})
		cancel()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// SaveWorkflowState upserts the orchestration snapshot for a run.
func (s *Store) SaveWorkflowState(ctx context.Context, st *knowledge.WorkflowState) error {
	if st.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	st.UpdatedAt = time.Now().UTC()
	if st.StartedAt.IsZero() {
		st.StartedAt = st.UpdatedAt
	}
	raw, err := bson.Marshal(st)
	if err != nil {
		return err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return err
	}
	startedAt := doc["started_at"]
	delete(doc, "started_at")
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"started_at": startedAt},
	}
	_, err = s.colls(collWorkflowStates).UpdateOne(ctx, bson.M{"workflow_id": st.WorkflowID}, update, options.Update().SetUpsert(true))
	return err
}

// WorkflowState loads the snapshot for a workflow id.
func (s *Store) WorkflowState(ctx context.Context, workflowID string) (*knowledge.WorkflowState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var st knowledge.WorkflowState
	err := s.colls(collWorkflowStates).FindOne(ctx, bson.M{"workflow_id": workflowID}).Decode(&st)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}
