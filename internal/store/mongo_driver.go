package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/protocol-lattice/cogmem/internal/model"
)

// MongoDriver implements Driver against MongoDB Atlas (using
// $vectorSearch for ProbeSector), grounded on the teacher's
// src/memory/store/mongodb_store.go — generalized from one embedding
// field per document to an embedded array of five sector documents,
// and from a counter-collection int64 id to the caller-assigned string
// id every other driver uses.
type MongoDriver struct {
	client      *mongo.Client
	memories    *mongo.Collection
	links       *mongo.Collection
	vectorIndex string
	dim         int
}

// NewMongoDriver connects to uri/database and returns a Driver.
func NewMongoDriver(ctx context.Context, uri, database string) (*MongoDriver, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	return &MongoDriver{
		client:      client,
		memories:    db.Collection("memories"),
		links:       db.Collection("memory_links"),
		vectorIndex: "memory_vector_index",
	}, nil
}

// CreateSchema provisions indexes, including the per-sector vector
// search indexes Atlas needs for $vectorSearch.
func (m *MongoDriver) CreateSchema(ctx context.Context, dim int) error {
	m.dim = dim
	_, err := m.memories.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}}, Options: options.Index().SetName("user_created")},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "consolidated_into", Value: 1}}, Options: options.Index().SetName("user_hidden")},
	})
	if err != nil {
		return fmt.Errorf("create memory indexes: %w", err)
	}
	_, err = m.links.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "source_id", Value: 1}}, Options: options.Index().SetName("links_source")},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "target_id", Value: 1}}, Options: options.Index().SetName("links_target")},
	})
	if err != nil {
		return fmt.Errorf("create link indexes: %w", err)
	}
	return nil
}

func (m *MongoDriver) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type mongoEmbedding struct {
	Sector     string    `bson:"sector"`
	Vector     []float64 `bson:"vector"`
	ModelID    string    `bson:"model_id"`
	CapturedAt time.Time `bson:"captured_at"`
}

type mongoMemory struct {
	ID               string           `bson:"_id"`
	UserID           string           `bson:"user_id"`
	SessionID        string           `bson:"session_id,omitempty"`
	Content          string           `bson:"content"`
	PrimarySector    string           `bson:"primary_sector"`
	CreatedAt        time.Time        `bson:"created_at"`
	LastAccessedAt   time.Time        `bson:"last_accessed_at"`
	AccessCount      int64            `bson:"access_count"`
	Strength         float64          `bson:"strength"`
	Salience         float64          `bson:"salience"`
	DecayRate        float64          `bson:"decay_rate"`
	IsAtomic         bool             `bson:"is_atomic"`
	ParentID         *string          `bson:"parent_id,omitempty"`
	ConsolidatedInto *string          `bson:"consolidated_into,omitempty"`
	Metadata         model.MemoryMetadata `bson:"metadata"`
	Embeddings       []mongoEmbedding `bson:"embeddings"`
}

func toMongoDoc(rec model.Record) mongoMemory {
	doc := mongoMemory{
		ID: rec.Memory.ID, UserID: rec.Memory.UserID, SessionID: rec.Memory.SessionID,
		Content: rec.Memory.Content, PrimarySector: string(rec.Memory.PrimarySector),
		CreatedAt: rec.Memory.CreatedAt, LastAccessedAt: rec.Memory.LastAccessedAt,
		AccessCount: rec.Memory.AccessCount, Strength: rec.Memory.Strength,
		Salience: rec.Memory.Salience, DecayRate: rec.Memory.DecayRate,
		IsAtomic: rec.Memory.IsAtomic, ParentID: rec.Memory.ParentID,
		ConsolidatedInto: rec.Memory.ConsolidatedInto, Metadata: rec.Metadata,
	}
	for _, e := range rec.Embeddings {
		doc.Embeddings = append(doc.Embeddings, mongoEmbedding{
			Sector: string(e.Sector), Vector: toFloat64(e.Vector), ModelID: e.ModelID, CapturedAt: e.CapturedAt,
		})
	}
	return doc
}

func (doc mongoMemory) toRecord() model.Record {
	mem := model.Memory{
		ID: doc.ID, UserID: doc.UserID, SessionID: doc.SessionID, Content: doc.Content,
		PrimarySector: model.Sector(doc.PrimarySector), CreatedAt: doc.CreatedAt,
		LastAccessedAt: doc.LastAccessedAt, AccessCount: doc.AccessCount, Strength: doc.Strength,
		Salience: doc.Salience, DecayRate: doc.DecayRate, IsAtomic: doc.IsAtomic,
		ParentID: doc.ParentID, ConsolidatedInto: doc.ConsolidatedInto,
	}
	rec := model.Record{Memory: mem, Metadata: doc.Metadata}
	for i, e := range doc.Embeddings {
		if i >= 5 {
			break
		}
		rec.Embeddings[i] = model.Embedding{
			MemoryID: doc.ID, Sector: model.Sector(e.Sector), Vector: toFloat32(e.Vector),
			ModelID: e.ModelID, CapturedAt: e.CapturedAt,
		}
	}
	return rec
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func (m *MongoDriver) Create(ctx context.Context, rec model.Record) error {
	doc := toMongoDoc(rec)
	if _, err := m.memories.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	for _, link := range rec.Links {
		if err := m.UpsertLink(ctx, rec.Memory.UserID, link); err != nil {
			return err
		}
	}
	return nil
}

func (m *MongoDriver) Get(ctx context.Context, userID, id string) (model.Record, error) {
	var doc mongoMemory
	err := m.memories.FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Record{}, model.NewNotFoundError("memory", id)
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get memory: %w", err)
	}
	rec := doc.toRecord()
	links, err := m.LinksFrom(ctx, userID, id)
	if err != nil {
		return model.Record{}, err
	}
	rec.Links = links
	return rec, nil
}

func (m *MongoDriver) Touch(ctx context.Context, userID, id string, now time.Time) error {
	_, err := m.memories.UpdateOne(ctx, bson.M{"_id": id, "user_id": userID}, bson.M{
		"$set": bson.M{"last_accessed_at": now},
		"$inc": bson.M{"access_count": 1},
	})
	return err
}

func (m *MongoDriver) Reinforce(ctx context.Context, userID, id string, delta float64) error {
	var doc mongoMemory
	if err := m.memories.FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&doc); err != nil {
		return err
	}
	next := doc.Strength + delta
	if next > 1.0 {
		next = 1.0
	}
	_, err := m.memories.UpdateOne(ctx, bson.M{"_id": id, "user_id": userID}, bson.M{"$set": bson.M{"strength": next}})
	return err
}

func (m *MongoDriver) UpdateMemory(ctx context.Context, mem model.Memory, meta *model.MemoryMetadata) error {
	set := bson.M{
		"content": mem.Content, "primary_sector": string(mem.PrimarySector),
		"strength": mem.Strength, "salience": mem.Salience, "decay_rate": mem.DecayRate,
		"is_atomic": mem.IsAtomic, "parent_id": mem.ParentID, "consolidated_into": mem.ConsolidatedInto,
	}
	if meta != nil {
		set["metadata"] = meta
	}
	_, err := m.memories.UpdateOne(ctx, bson.M{"_id": mem.ID, "user_id": mem.UserID}, bson.M{"$set": set})
	return err
}

func (m *MongoDriver) Delete(ctx context.Context, userID, id string) error {
	if _, err := m.memories.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID}); err != nil {
		return err
	}
	_, err := m.links.DeleteMany(ctx, bson.M{"user_id": userID, "$or": bson.A{bson.M{"source_id": id}, bson.M{"target_id": id}}})
	return err
}

// ProbeSector uses Atlas's $vectorSearch aggregation stage, grounded on
// the teacher's SearchMemory pipeline, scoped to one sector's embedded
// vector and oversampled 10x for recall per the teacher's comment.
func (m *MongoDriver) ProbeSector(ctx context.Context, userID string, sector model.Sector, query []float32, filters Filters, limit int) ([]Candidate, error) {
	matchStage := bson.D{{Key: "user_id", Value: userID}}
	if !filters.IncludeHidden {
		matchStage = append(matchStage, bson.E{Key: "consolidated_into", Value: nil})
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "embeddings.sector", Value: string(sector)}}}},
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: m.vectorIndex},
			{Key: "path", Value: "embeddings.vector"},
			{Key: "queryVector", Value: toFloat64(query)},
			{Key: "numCandidates", Value: int64(limit * 10)},
			{Key: "limit", Value: int64(limit)},
		}}},
		{{Key: "$match", Value: matchStage}},
		{{Key: "$addFields", Value: bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}}}}},
	}
	cursor, err := m.memories.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Candidate
	for cursor.Next(ctx) {
		var doc struct {
			mongoMemory `bson:",inline"`
			Score       float64 `bson:"score"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		out = append(out, Candidate{Record: doc.mongoMemory.toRecord(), Similarity: doc.Score, Sector: sector})
	}
	return out, cursor.Err()
}

func (m *MongoDriver) AllForUser(ctx context.Context, userID string, filters Filters) ([]model.Record, error) {
	q := bson.M{"user_id": userID}
	if !filters.IncludeHidden {
		q["consolidated_into"] = nil
	}
	cursor, err := m.memories.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("all for user: %w", err)
	}
	defer cursor.Close(ctx)

	var out []model.Record
	for cursor.Next(ctx) {
		var doc mongoMemory
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		rec := doc.toRecord()
		links, err := m.LinksFrom(ctx, userID, doc.ID)
		if err != nil {
			return nil, err
		}
		rec.Links = links
		out = append(out, rec)
	}
	return out, cursor.Err()
}

func (m *MongoDriver) UpsertLink(ctx context.Context, userID string, link model.MemoryLink) error {
	_, err := m.links.UpdateOne(ctx,
		bson.M{"user_id": userID, "source_id": link.SourceID, "target_id": link.TargetID, "link_type": string(link.LinkType)},
		bson.M{"$set": bson.M{"weight": link.Weight}},
		options.Update().SetUpsert(true))
	return err
}

func (m *MongoDriver) linksQuery(ctx context.Context, filter bson.M) ([]model.MemoryLink, error) {
	cursor, err := m.links.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []model.MemoryLink
	for cursor.Next(ctx) {
		var doc struct {
			SourceID string  `bson:"source_id"`
			TargetID string  `bson:"target_id"`
			LinkType string  `bson:"link_type"`
			Weight   float64 `bson:"weight"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, model.MemoryLink{SourceID: doc.SourceID, TargetID: doc.TargetID, LinkType: model.LinkType(doc.LinkType), Weight: doc.Weight})
	}
	return out, cursor.Err()
}

func (m *MongoDriver) LinksFrom(ctx context.Context, userID, id string) ([]model.MemoryLink, error) {
	return m.linksQuery(ctx, bson.M{"user_id": userID, "source_id": id})
}

func (m *MongoDriver) LinksTo(ctx context.Context, userID, id string) ([]model.MemoryLink, error) {
	return m.linksQuery(ctx, bson.M{"user_id": userID, "target_id": id})
}

func (m *MongoDriver) Stats(ctx context.Context, userID string) (Stats, error) {
	stats := Stats{CountBySector: map[model.Sector]int{}, CountByAgeBucket: map[string]int{}}
	cursor, err := m.memories.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return Stats{}, fmt.Errorf("stats scan: %w", err)
	}
	defer cursor.Close(ctx)

	now := time.Now().UTC()
	for cursor.Next(ctx) {
		var doc mongoMemory
		if err := cursor.Decode(&doc); err != nil {
			return Stats{}, err
		}
		stats.TotalMemories++
		stats.ContentBytes += int64(len(doc.Content))
		if doc.ConsolidatedInto == nil {
			stats.CountBySector[model.Sector(doc.PrimarySector)]++
			if doc.IsAtomic && doc.PrimarySector == string(model.SectorEpisodic) {
				stats.AtomicEpisodic++
			}
		}
		age := now.Sub(doc.CreatedAt)
		switch {
		case age < 24*time.Hour:
			stats.CountByAgeBucket["24h"]++
		case age < 7*24*time.Hour:
			stats.CountByAgeBucket["week"]++
		case age < 30*24*time.Hour:
			stats.CountByAgeBucket["month"]++
		default:
			stats.CountByAgeBucket["older"]++
		}
	}
	return stats, cursor.Err()
}

func (m *MongoDriver) ReplaceAllForUser(ctx context.Context, userID string) error {
	if _, err := m.links.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return err
	}
	_, err := m.memories.DeleteMany(ctx, bson.M{"user_id": userID})
	return err
}

func (m *MongoDriver) EmbeddingDimension(ctx context.Context) (int, error) {
	return m.dim, nil
}
