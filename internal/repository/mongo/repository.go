package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"magnetstream/internal/domain"
)

const purgeCollection = "purges"

// PurgeLog is the audit trail of destroyed swarms. It implements
// ports.PurgeLog.
type PurgeLog struct {
	collection *mongo.Collection
}

type purgeDoc struct {
	InfoHash    string `bson:"infoHash"`
	Name        string `bson:"name,omitempty"`
	Reason      string `bson:"reason"`
	TotalLength int64  `bson:"totalLength"`
	Failed      bool   `bson:"failed"`
	Error       string `bson:"error,omitempty"`
	PurgedAt    int64  `bson:"purgedAt"` // unix millis
}

func NewPurgeLog(client *mongo.Client, dbName string) *PurgeLog {
	return &PurgeLog{collection: client.Database(dbName).Collection(purgeCollection)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (l *PurgeLog) EnsureIndexes(ctx context.Context) error {
	if l == nil || l.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "purgedAt", Value: -1}}},
		{Keys: bson.D{{Key: "infoHash", Value: 1}}},
	}
	_, err := l.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (l *PurgeLog) Record(ctx context.Context, rec domain.PurgeRecord) error {
	_, err := l.collection.InsertOne(ctx, toPurgeDoc(rec))
	return err
}

// ListRecent returns the newest records first.
func (l *PurgeLog) ListRecent(ctx context.Context, limit int) ([]domain.PurgeRecord, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "purgedAt", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := l.collection.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []purgeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.PurgeRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromPurgeDoc(doc))
	}
	return out, nil
}

func toPurgeDoc(rec domain.PurgeRecord) purgeDoc {
	purgedAt := rec.PurgedAt
	if purgedAt.IsZero() {
		purgedAt = time.Now()
	}
	return purgeDoc{
		InfoHash:    string(rec.InfoHash),
		Name:        rec.Name,
		Reason:      string(rec.Reason),
		TotalLength: rec.TotalLength,
		Failed:      rec.Failed,
		Error:       rec.Error,
		PurgedAt:    purgedAt.UTC().UnixMilli(),
	}
}

func fromPurgeDoc(doc purgeDoc) domain.PurgeRecord {
	return domain.PurgeRecord{
		InfoHash:    domain.InfoHash(doc.InfoHash),
		Name:        doc.Name,
		Reason:      domain.PurgeReason(doc.Reason),
		TotalLength: doc.TotalLength,
		Failed:      doc.Failed,
		Error:       doc.Error,
		PurgedAt:    time.UnixMilli(doc.PurgedAt).UTC(),
	}
}
