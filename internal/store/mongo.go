package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/reconlab/mriserve/internal/model"
)

const jobsCollection = "jobs"

// MongoStore is a MongoDB-backed job store. One document per job, keyed by
// the job id as _id. Update uses a $set of the patched fields, which is the
// same last-write-wins contract as the file backend, bounded per field.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects to MongoDB and returns a job store backed by it
func NewMongoStore(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, error) {
	slog.Info("Connecting to MongoDB", "database", database)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(jobsCollection),
	}, nil
}

// Close disconnects from MongoDB
func (s *MongoStore) Close(ctx context.Context) error {
	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.client.Disconnect(disconnectCtx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}

// Create inserts a new job record
func (s *MongoStore) Create(ctx context.Context, rec *model.JobRecord) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.collection.InsertOne(ctxTimeout, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("job %s already exists", rec.ID)
		}
		return fmt.Errorf("failed to create job record: %w", err)
	}
	return nil
}

// Get retrieves a job record by id
func (s *MongoStore) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rec model.JobRecord
	err := s.collection.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	return &rec, nil
}

// Update applies patch to the stored record
func (s *MongoStore) Update(ctx context.Context, id string, patch Patch) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set := bson.M{}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.ResultShape != nil {
		set["result_shape"] = patch.ResultShape
	}
	if patch.ResultDataset != nil {
		set["result_dataset"] = *patch.ResultDataset
	}
	if patch.Error != nil {
		set["error"] = *patch.Error
	}
	if patch.LogMessages != nil {
		set["log_messages"] = patch.LogMessages
	}
	if patch.QueueTaskID != nil {
		set["queue_task_id"] = *patch.QueueTaskID
	}
	if patch.CancelRequested != nil {
		set["cancel_requested"] = *patch.CancelRequested
	}
	if len(set) == 0 {
		return nil
	}

	result, err := s.collection.UpdateOne(ctxTimeout, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update job record: %w", err)
	}
	if result.MatchedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

// List retrieves all job records, skipping documents that fail to decode
func (s *MongoStore) List(ctx context.Context) ([]model.JobRecord, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cursor, err := s.collection.Find(ctxTimeout, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var jobs []model.JobRecord
	for cursor.Next(ctxTimeout) {
		var rec model.JobRecord
		if err := cursor.Decode(&rec); err != nil {
			slog.Warn("Skipping undecodable job record", "error", err)
			continue
		}
		jobs = append(jobs, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job records: %w", err)
	}
	return jobs, nil
}

// Delete removes the job record
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := s.collection.DeleteOne(ctxTimeout, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete job record: %w", err)
	}
	if result.DeletedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}
