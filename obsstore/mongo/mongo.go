// Package mongo is a MongoDB-backed obsstore.Store, for deployments that want
// RunRecords to survive a restart.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goa-design/semcore/obsstore"
)

// Store is a MongoDB implementation of obsstore.Store.
type Store struct {
	collection *mongo.Collection
}

var _ obsstore.Store = (*Store)(nil)

// runRecordDocument is the MongoDB document representation of a RunRecord.
type runRecordDocument struct {
	SessionID       string `bson:"_id"`
	FunctionName    string `bson:"function_name"`
	EngineID        string `bson:"engine_id,omitempty"`
	ProjectedTokens int    `bson:"projected_tokens"`
	Status          string `bson:"status"`
	Err             string `bson:"err,omitempty"`
	FinishedAt      int64  `bson:"finished_at_unix_nano"`
}

// New creates a Store using the provided collection. The collection should
// come from a connected MongoDB client.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Save upserts the record for r.SessionID.
func (s *Store) Save(ctx context.Context, r *obsstore.RunRecord) error {
	doc := toDocument(r)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": r.SessionID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save run record %q: %w", r.SessionID, err)
	}
	return nil
}

// Get retrieves the record for sessionID, or obsstore.ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (*obsstore.RunRecord, error) {
	var doc runRecordDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, obsstore.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get run record %q: %w", sessionID, err)
	}
	return fromDocument(&doc), nil
}

// List returns up to limit records for functionName, most recently finished
// first. A zero or negative limit returns every matching record.
func (s *Store) List(ctx context.Context, functionName string, limit int) ([]*obsstore.RunRecord, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "finished_at_unix_nano", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.M{"function_name": functionName}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list run records for %q: %w", functionName, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []runRecordDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list run records decode: %w", err)
	}
	out := make([]*obsstore.RunRecord, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(&doc)
	}
	return out, nil
}

func toDocument(r *obsstore.RunRecord) *runRecordDocument {
	return &runRecordDocument{
		SessionID:       r.SessionID,
		FunctionName:    r.FunctionName,
		EngineID:        r.EngineID,
		ProjectedTokens: r.ProjectedTokens,
		Status:          r.Status,
		Err:             r.Err,
		FinishedAt:      r.FinishedAt.UnixNano(),
	}
}

func fromDocument(doc *runRecordDocument) *obsstore.RunRecord {
	return &obsstore.RunRecord{
		SessionID:       doc.SessionID,
		FunctionName:    doc.FunctionName,
		EngineID:        doc.EngineID,
		ProjectedTokens: doc.ProjectedTokens,
		Status:          doc.Status,
		Err:             doc.Err,
		FinishedAt:      time.Unix(0, doc.FinishedAt).UTC(),
	}
}
