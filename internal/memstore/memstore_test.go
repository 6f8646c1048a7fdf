package memstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/protocol-lattice/cogmem/internal/decay"
	"github.com/protocol-lattice/cogmem/internal/embed"
	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/ranker"
	"github.com/protocol-lattice/cogmem/internal/store"
)

func newTestStore(t *testing.T) (*Store, *store.MemoryDriver) {
	t.Helper()
	driver := store.NewMemoryDriver()
	embedder := embed.NewDummyProvider(16)
	rank := ranker.New(ranker.DefaultWeights, ranker.DefaultRecencyTau)
	counter := 0
	newID := func() string {
		counter++
		return "id-" + string(rune('0'+counter))
	}
	clock := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return New(driver, embedder, rank, newID, clock, nil), driver
}

func TestCreateRejectsEmptyUserID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), CreateInput{Content: "hello", Sector: model.SectorEpisodic})
	if err == nil {
		t.Fatalf("expected validation error for empty user_id")
	}
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), CreateInput{UserID: "u1", Sector: model.SectorEpisodic})
	if err == nil {
		t.Fatalf("expected validation error for empty content")
	}
}

func TestCreateRejectsOversizedContent(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: strings.Repeat("x", MaxContentBytes+1), Sector: model.SectorEpisodic})
	if err == nil {
		t.Fatalf("expected validation error for oversized content")
	}
}

func TestCreateRejectsInvalidSector(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "hello", Sector: model.Sector("bogus")})
	if err == nil {
		t.Fatalf("expected validation error for an invalid sector")
	}
}

func TestCreateRejectsSelfLoopLinks(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), CreateInput{
		UserID: "u1", Content: "hello", Sector: model.SectorEpisodic,
		Links: []model.MemoryLink{{SourceID: "self", TargetID: "self"}},
	})
	if err == nil {
		t.Fatalf("expected validation error for a self-loop link")
	}
}

func TestCreatePersistsAllFiveSectorEmbeddings(t *testing.T) {
	s, driver := newTestStore(t)
	id, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "hello world", Sector: model.SectorEpisodic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := driver.Get(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, sec := range model.AllSectors {
		emb, ok := rec.EmbeddingBySector(sec)
		if !ok || len(emb.Vector) == 0 {
			t.Fatalf("expected a non-empty embedding for sector %s", sec)
		}
	}
	if rec.Memory.Strength != 1.0 {
		t.Fatalf("expected a new memory to start at full strength, got %.4f", rec.Memory.Strength)
	}
}

func TestGetTouchesAccessMetadata(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "hello", Sector: model.SectorEpisodic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := s.Get(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Memory.AccessCount != 1 {
		t.Fatalf("expected access_count=1 after Get, got %d", rec.Memory.AccessCount)
	}
}

func TestSearchRejectsEmptyUserID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Search(context.Background(), SearchInput{QueryText: "hello"})
	if err == nil {
		t.Fatalf("expected validation error for empty user_id")
	}
}

func TestSearchRejectsMissingQuery(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Search(context.Background(), SearchInput{UserID: "u1"})
	if err == nil {
		t.Fatalf("expected validation error when neither query_text nor query_embeddings is set")
	}
}

func TestSearchFindsCreatedMemoryByQuery(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "the quick brown fox", Sector: model.SectorEpisodic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := s.Search(context.Background(), SearchInput{UserID: "u1", QueryText: "the quick brown fox", Limit: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("expected 1 search result, got %d", len(out.Results))
	}
}

func TestSearchHonorsSectorFilter(t *testing.T) {
	s, driver := newTestStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// "a" matches the query on the episodic sector only; "b" matches it
	// on the semantic sector only. Restricting Filters.Sectors to one
	// sector must change which memory ranks first.
	seed := func(id string, episodic, semantic []float32) {
		rec := model.Record{
			Memory: model.Memory{
				ID: id, UserID: "u1", Content: id, PrimarySector: model.SectorEpisodic,
				CreatedAt: now, LastAccessedAt: now, Strength: 0.8, Salience: 0.5, IsAtomic: true,
			},
			Metadata: model.MemoryMetadata{MemoryID: id},
		}
		for i, sec := range model.AllSectors {
			vec := []float32{0, 0}
			switch sec {
			case model.SectorEpisodic:
				vec = episodic
			case model.SectorSemantic:
				vec = semantic
			}
			rec.Embeddings[i] = model.Embedding{MemoryID: id, Sector: sec, Vector: vec, CapturedAt: now}
		}
		if err := driver.Create(context.Background(), rec); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("a", []float32{1, 0}, []float32{0, 1})
	seed("b", []float32{0, 1}, []float32{1, 0})

	query := embed.SectorEmbeddings{model.SectorEpisodic: {1, 0}, model.SectorSemantic: {1, 0}}

	episodicOut, err := s.Search(context.Background(), SearchInput{
		UserID: "u1", QueryEmbeddings: query, Limit: 5,
		Filters: store.Filters{Sectors: []model.Sector{model.SectorEpisodic}},
	})
	if err != nil {
		t.Fatalf("search (episodic filter): %v", err)
	}
	if len(episodicOut.Results) == 0 || episodicOut.Results[0].Record.Memory.ID != "a" {
		t.Fatalf("expected 'a' to rank first when only the episodic sector is probed, got %+v", episodicOut.Results)
	}

	semanticOut, err := s.Search(context.Background(), SearchInput{
		UserID: "u1", QueryEmbeddings: query, Limit: 5,
		Filters: store.Filters{Sectors: []model.Sector{model.SectorSemantic}},
	})
	if err != nil {
		t.Fatalf("search (semantic filter): %v", err)
	}
	if len(semanticOut.Results) == 0 || semanticOut.Results[0].Record.Memory.ID != "b" {
		t.Fatalf("expected 'b' to rank first once the filter flips to the semantic sector, got %+v", semanticOut.Results)
	}
}

func TestSearchSimilarityMethodIsEchoedBack(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "alpha content", Sector: model.SectorEpisodic}); err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := s.Search(context.Background(), SearchInput{UserID: "u1", QueryText: "alpha content", Limit: 5, RankingMethod: RankingSimilarity})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if out.RankingMethod != RankingSimilarity {
		t.Fatalf("expected ranking method to be echoed back, got %s", out.RankingMethod)
	}
}

func TestUpdateReembedsOnlyWhenRequested(t *testing.T) {
	s, driver := newTestStore(t)
	id, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "original", Sector: model.SectorEpisodic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before, err := driver.Get(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	beforeEmb, _ := before.EmbeddingBySector(model.SectorEpisodic)

	newContent := "entirely different content"
	rec, err := s.Update(context.Background(), UpdateInput{UserID: "u1", ID: id, Content: &newContent, ReembedOnContentChange: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Memory.Content != newContent {
		t.Fatalf("expected content to be updated, got %q", rec.Memory.Content)
	}
	afterEmb, _ := rec.EmbeddingBySector(model.SectorEpisodic)
	if model.CosineSimilarity(beforeEmb.Vector, afterEmb.Vector) >= 1.0-1e-9 {
		t.Fatalf("expected re-embedding to change the stored vector for changed content")
	}
}

func TestUpdateClampsSalienceToUnitRange(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "hello", Sector: model.SectorEpisodic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	over := 5.0
	rec, err := s.Update(context.Background(), UpdateInput{UserID: "u1", ID: id, Salience: &over})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Memory.Salience != 1.0 {
		t.Fatalf("expected salience clamped to 1.0, got %.4f", rec.Memory.Salience)
	}
}

func TestGetReinforcesStrengthThroughDecayEngine(t *testing.T) {
	driver := store.NewMemoryDriver()
	embedder := embed.NewDummyProvider(16)
	rank := ranker.New(ranker.DefaultWeights, ranker.DefaultRecencyTau)
	newID := func() string { return "m1" }
	clock := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	decayE := decay.New(driver, decay.DefaultOptions())
	s := New(driver, embedder, rank, newID, clock, decayE)

	id, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "hello", Sector: model.SectorEpisodic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := driver.Get(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	mem := rec.Memory
	mem.Strength = 0.5 // simulate prior decay so reinforcement has room to show
	if err := driver.UpdateMemory(context.Background(), mem, nil); err != nil {
		t.Fatalf("update memory: %v", err)
	}

	if _, err := s.Get(context.Background(), "u1", id); err != nil {
		t.Fatalf("get: %v", err)
	}
	after, err := driver.Get(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if after.Memory.Strength <= 0.5 {
		t.Fatalf("expected Get to reinforce strength above 0.5, got %.4f", after.Memory.Strength)
	}
}

func TestSearchReinforcesMatchedResultsThroughDecayEngine(t *testing.T) {
	driver := store.NewMemoryDriver()
	embedder := embed.NewDummyProvider(16)
	rank := ranker.New(ranker.DefaultWeights, ranker.DefaultRecencyTau)
	newID := func() string { return "m1" }
	clock := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	decayE := decay.New(driver, decay.DefaultOptions())
	s := New(driver, embedder, rank, newID, clock, decayE)

	id, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "the quick brown fox", Sector: model.SectorEpisodic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := driver.Get(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	mem := rec.Memory
	mem.Strength = 0.5
	if err := driver.UpdateMemory(context.Background(), mem, nil); err != nil {
		t.Fatalf("update memory: %v", err)
	}

	if _, err := s.Search(context.Background(), SearchInput{UserID: "u1", QueryText: "the quick brown fox", Limit: 5}); err != nil {
		t.Fatalf("search: %v", err)
	}
	after, err := driver.Get(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if after.Memory.Strength <= 0.5 {
		t.Fatalf("expected a high-similarity Search hit to reinforce strength above 0.5, got %.4f", after.Memory.Strength)
	}
}

func TestDeleteRemovesMemory(t *testing.T) {
	s, driver := newTestStore(t)
	id, err := s.Create(context.Background(), CreateInput{UserID: "u1", Content: "hello", Sector: model.SectorEpisodic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(context.Background(), "u1", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := driver.Get(context.Background(), "u1", id); err == nil {
		t.Fatalf("expected memory to be gone after delete")
	}
}
