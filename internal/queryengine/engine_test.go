package queryengine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ragline/ragline/internal/vectorstore"
)

func testStore(t *testing.T) *vectorstore.SQLiteStore {
	t.Helper()
	s, err := vectorstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type stubEmbedder struct {
	modelID string
	vector  []float32
	err     error
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vector
	}
	return out, nil
}
func (s *stubEmbedder) ModelID() string { return s.modelID }

type stubGenerator struct {
	calls      int
	lastSystem string
	lastUser   string
	answer     string
	err        error
}

func (s *stubGenerator) Complete(_ context.Context, system, user string) (string, error) {
	s.calls++
	s.lastSystem = system
	s.lastUser = user
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func seedCollection(t *testing.T, s *vectorstore.SQLiteStore, records []vectorstore.Record) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateCollection(ctx, "docs", "test-model", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "docs", records); err != nil {
		t.Fatal(err)
	}
}

func TestAnswer_GroundedFlow(t *testing.T) {
	store := testStore(t)
	seedCollection(t, store, []vectorstore.Record{
		{ChunkID: "a", Vector: []float32{1, 0}, Text: "The deploy cadence is weekly.",
			SourcePath: "/docs/runbook_v2.md", Family: "runbook", Version: "v2"},
		{ChunkID: "b", Vector: []float32{0.9, 0.1}, Text: "Deploys used to be monthly.",
			SourcePath: "/docs/runbook_v1.md", Family: "runbook", Version: "v1"},
		{ChunkID: "c", Vector: []float32{0, 1}, Text: "Lunch menu for the week.",
			SourcePath: "/docs/menu.md", Family: "menu", Version: ""},
	})

	gen := &stubGenerator{answer: "Deploys happen weekly (runbook v2)."}
	e := New(store, &stubEmbedder{modelID: "test-model", vector: []float32{1, 0}}, gen,
		Config{TopK: 2, SimilarityFloor: 0.5}, nil)

	res, err := e.Answer(context.Background(), "docs", "how often do we deploy?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.LowConfidence {
		t.Error("unexpected low confidence")
	}
	if res.Answer != gen.answer {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(res.Sources))
	}
	if res.Sources[0].ChunkID != "a" || res.Sources[0].Version != "v2" {
		t.Errorf("top source = %+v", res.Sources[0])
	}

	if !strings.Contains(gen.lastUser, "The deploy cadence is weekly.") {
		t.Error("prompt missing top chunk text")
	}
	if !strings.Contains(gen.lastUser, "runbook: v1, v2") {
		t.Errorf("prompt missing version overview:\n%s", gen.lastUser)
	}
	if !strings.Contains(gen.lastUser, "how often do we deploy?") {
		t.Error("prompt missing question")
	}
	if gen.lastSystem == "" {
		t.Error("system prompt empty")
	}
}

func TestAnswer_LowConfidenceSkipsGenerator(t *testing.T) {
	store := testStore(t)
	seedCollection(t, store, []vectorstore.Record{
		{ChunkID: "a", Vector: []float32{0, 1}, Text: "unrelated", SourcePath: "/docs/a.md", Family: "a"},
	})

	gen := &stubGenerator{answer: "should not be called"}
	e := New(store, &stubEmbedder{modelID: "test-model", vector: []float32{1, 0}}, gen,
		Config{TopK: 3, SimilarityFloor: 0.5}, nil)

	res, err := e.Answer(context.Background(), "docs", "anything?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !res.LowConfidence {
		t.Error("expected low confidence result")
	}
	if len(res.Sources) != 0 {
		t.Errorf("sources = %+v", res.Sources)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times for a low-confidence query", gen.calls)
	}
}

func TestAnswer_ModelMismatch(t *testing.T) {
	store := testStore(t)
	seedCollection(t, store, []vectorstore.Record{
		{ChunkID: "a", Vector: []float32{1, 0}, Text: "x", SourcePath: "/docs/a.md", Family: "a"},
	})

	e := New(store, &stubEmbedder{modelID: "other-model", vector: []float32{1, 0}}, &stubGenerator{},
		Config{}, nil)

	_, err := e.Answer(context.Background(), "docs", "q")
	if !errors.Is(err, ErrModelMismatch) {
		t.Errorf("err = %v, want ErrModelMismatch", err)
	}
}

func TestAnswer_MissingCollection(t *testing.T) {
	store := testStore(t)
	e := New(store, &stubEmbedder{modelID: "m", vector: []float32{1, 0}}, &stubGenerator{}, Config{}, nil)

	_, err := e.Answer(context.Background(), "nope", "q")
	if !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		t.Errorf("err = %v, want ErrCollectionNotFound", err)
	}
}

func TestAnswer_EmbedderErrorPropagates(t *testing.T) {
	store := testStore(t)
	seedCollection(t, store, []vectorstore.Record{
		{ChunkID: "a", Vector: []float32{1, 0}, Text: "x", SourcePath: "/docs/a.md", Family: "a"},
	})

	boom := errors.New("provider down")
	e := New(store, &stubEmbedder{modelID: "test-model", err: boom}, &stubGenerator{}, Config{}, nil)

	_, err := e.Answer(context.Background(), "docs", "q")
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped provider error", err)
	}
}

func TestBuildUserPrompt_BudgetDropsLowestScores(t *testing.T) {
	long := strings.Repeat("filler text ", 100)
	chunks := []vectorstore.ScoredRecord{
		{Record: vectorstore.Record{ChunkID: "best", Text: "short and relevant", SourcePath: "/d/a.md"}, Score: 0.9},
		{Record: vectorstore.Record{ChunkID: "worst", Text: long, SourcePath: "/d/b.md"}, Score: 0.2},
	}

	prompt := buildUserPrompt("q", chunks, nil, 30)
	if !strings.Contains(prompt, "short and relevant") {
		t.Error("highest-scoring chunk dropped")
	}
	if strings.Contains(prompt, long) {
		t.Error("oversized low-score chunk kept despite budget")
	}
}

func TestBuildUserPrompt_EqualScoresOrderedByChunkID(t *testing.T) {
	chunks := []vectorstore.ScoredRecord{
		{Record: vectorstore.Record{ChunkID: "b", Text: "second by id", SourcePath: "/d/b.md"}, Score: 0.8},
		{Record: vectorstore.Record{ChunkID: "a", Text: "first by id", SourcePath: "/d/a.md"}, Score: 0.8},
	}

	prompt := buildUserPrompt("q", chunks, nil, 0)
	first := strings.Index(prompt, "first by id")
	second := strings.Index(prompt, "second by id")
	if first < 0 || second < 0 {
		t.Fatalf("prompt missing chunks:\n%s", prompt)
	}
	if first > second {
		t.Errorf("equal-score chunks not ordered by ascending chunk id:\n%s", prompt)
	}
}

func TestFormatVersionOverview_SingleVersionFamiliesOmitted(t *testing.T) {
	versions := []vectorstore.VersionInfo{
		{Family: "solo", Version: "v1"},
		{Family: "multi", Version: "v2"},
		{Family: "multi", Version: "v10"},
	}

	out := formatVersionOverview(versions)
	if strings.Contains(out, "solo") {
		t.Error("single-version family listed")
	}
	if !strings.Contains(out, "multi: v2, v10") {
		t.Errorf("numeric version ordering wrong:\n%s", out)
	}
}
