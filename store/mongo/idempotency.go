package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"opskb/knowledge"
	"opskb/store"
)

// Lookup returns the activity execution recorded for
// (workflow_id, activity_name, input_hash), or store.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, workflowID, activityName, inputHash string) (*knowledge.ActivityExecution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"workflow_id":   workflowID,
		"activity_name": activityName,
		"input_hash":    inputHash,
	}
	var exec knowledge.ActivityExecution
	if err := s.colls(collActivityLog).FindOne(ctx, filter).Decode(&exec); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &exec, nil
}

// Record stores an activity outcome. A success never overwrites an earlier
// success for the same key, so exactly one success exists per
// (workflow_id, activity_name, input_hash).
func (s *Store) Record(ctx context.Context, exec *knowledge.ActivityExecution) error {
	if exec.WorkflowID == "" || exec.ActivityName == "" || exec.InputHash == "" {
		return errors.New("workflow id, activity name and input hash are required")
	}
	if exec.RecordedAt.IsZero() {
		exec.RecordedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"workflow_id":   exec.WorkflowID,
		"activity_name": exec.ActivityName,
		"input_hash":    exec.InputHash,
	}
	if !exec.Success {
		// Failures may be overwritten by later attempts.
		filter["success"] = false
	}
	update := bson.M{"$set": bson.M{
		"workflow_id":   exec.WorkflowID,
		"activity_name": exec.ActivityName,
		"input_hash":    exec.InputHash,
		"output":        exec.Output,
		"success":       exec.Success,
		"error":         exec.Error,
		"recorded_at":   exec.RecordedAt,
	}}
	_, err := s.colls(collActivityLog).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil && mongodriver.IsDuplicateKeyError(err) {
		// Lost the race against another recording for the same key; the
		// invariant (one success per key) is preserved by the unique index.
		return nil
	}
	return err
}

// Save upserts the checkpoint for (workflow_id, phase).
func (s *Store) Save(ctx context.Context, cp *knowledge.Checkpoint) error {
	if cp.WorkflowID == "" || cp.Phase == "" {
		return errors.New("workflow id and phase are required")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow_id": cp.WorkflowID, "phase": cp.Phase}
	update := bson.M{"$set": bson.M{
		"workflow_id":     cp.WorkflowID,
		"phase":           cp.Phase,
		"items_processed": cp.ItemsProcessed,
		"resume_token":    cp.ResumeToken,
		"created_at":      cp.CreatedAt,
	}}
	_, err := s.colls(collCheckpoints).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Load returns the checkpoint for (workflow_id, phase), or store.ErrNotFound.
func (s *Store) Load(ctx context.Context, workflowID string, phase knowledge.Phase) (*knowledge.Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var cp knowledge.Checkpoint
	err := s.colls(collCheckpoints).FindOne(ctx, bson.M{"workflow_id": workflowID, "phase": phase}).Decode(&cp)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &cp, nil
}

// LookupHash returns the ingestion metadata recorded for a content hash,
// or store.ErrNotFound. Implements store.IngestionDedup.
func (s *Store) LookupHash(ctx context.Context, contentHash string) (*knowledge.IngestionMetadata, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var meta knowledge.IngestionMetadata
	err := s.colls(collIngestionMetadata).FindOne(ctx, bson.M{"content_hash": contentHash}).Decode(&meta)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &meta, nil
}

// RecordHash stores the metadata for a completed ingestion.
func (s *Store) RecordHash(ctx context.Context, meta *knowledge.IngestionMetadata) error {
	if meta.ContentHash == "" {
		return errors.New("content hash is required")
	}
	if meta.IngestedAt.IsZero() {
		meta.IngestedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"content_hash": meta.ContentHash,
		"source_url":   meta.SourceURL,
		"ingestion_id": meta.IngestionID,
		"ingested_at":  meta.IngestedAt,
	}}
	_, err := s.colls(collIngestionMetadata).UpdateOne(ctx, bson.M{"content_hash": meta.ContentHash}, update, options.Update().SetUpsert(true))
	return err
}
