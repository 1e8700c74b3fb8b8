package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"

	"github.com/kalambet/worklog/internal/cache"
	"github.com/kalambet/worklog/internal/cachedb"
	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/jobs"
	"github.com/kalambet/worklog/internal/storage"
)

const sampleReply = `{
  "sentiment": 0.6,
  "summary": "I shipped the billing migration.",
  "projects": [{"name": "billing", "description": "payments rewrite", "status": "active"}],
  "skills": [{"name": "Go", "category": "language"}, {"name": "Go", "category": "language"}],
  "competencies": [{"name": "ownership", "level": "proficient"}]
}`

// mockCompleter implements Completer for testing.
type mockCompleter struct {
	mu       sync.Mutex
	calls    int
	messages [][]Message
	reply    string
	err      error
}

func (m *mockCompleter) Complete(ctx context.Context, messages []Message) (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.messages = append(m.messages, messages)
	if m.err != nil {
		return Completion{}, m.err
	}
	return Completion{Content: m.reply, Usage: jobs.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}}, nil
}

func (m *mockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type testEnv struct {
	layer    *cachedb.Layer
	store    *storage.Store
	analyzer *Analyzer
	llm      *mockCompleter
}

func newTestEnv(t *testing.T, reply string) *testEnv {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })

	mgr := dbconn.New(func(ctx context.Context) (*storage.Store, error) {
		return storage.Open(storage.Options{DataDir: ":memory:"})
	}, dbconn.Options{RetryDelay: time.Millisecond, ExecRetryDelay: time.Millisecond})
	t.Cleanup(func() { mgr.Close(context.Background()) })
	store, err := mgr.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	layer := cachedb.New(mgr, cache.NewRedis(pool, cache.NamespaceDev), nil)
	llm := &mockCompleter{reply: reply}
	return &testEnv{layer: layer, store: store, analyzer: New(layer, llm, nil), llm: llm}
}

func (e *testEnv) addEntry(t *testing.T, userID, date, content string) string {
	t.Helper()
	rec, err := e.store.Create(context.Background(), storage.ModelEntry, storage.Record{
		"user_id": userID, "date": date, "content": content,
	})
	if err != nil {
		t.Fatalf("Create entry: %v", err)
	}
	return rec.String("id")
}

func (e *testEnv) find(t *testing.T, model string, where storage.Filter) storage.Record {
	t.Helper()
	rec, err := e.store.FindUnique(context.Background(), model, where)
	if err != nil {
		t.Fatalf("FindUnique %s %v: %v", model, where, err)
	}
	return rec
}

func TestAnalyze_StoresExtraction(t *testing.T) {
	env := newTestEnv(t, sampleReply)
	ctx := context.Background()
	id := env.addEntry(t, "u1", "2025-03-03", "Shipped the billing migration in Go.")

	res, err := env.analyzer.Analyze(ctx, id, jobs.AnalyzeOptions{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Success {
		t.Fatalf("Analyze not successful: %s", res.Error)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 120 {
		t.Errorf("usage = %+v, want 120 total tokens", res.Usage)
	}
	var out Output
	if err := json.Unmarshal(res.Data, &out); err != nil {
		t.Fatalf("decoding result data: %v", err)
	}
	if out.EntryID != id || out.Cached || out.Extraction.Summary == "" {
		t.Errorf("output = %+v", out)
	}

	entry := env.find(t, storage.ModelEntry, storage.Filter{"id": id})
	if entry.Float("sentiment") != 0.6 {
		t.Errorf("sentiment = %v, want 0.6", entry.Float("sentiment"))
	}
	if entry.String("analysis") == "" || entry.String("analyzed_at") == "" {
		t.Errorf("entry analysis not stored: %v", entry)
	}

	project := env.find(t, storage.ModelProject, storage.Filter{"user_id": "u1", "name": "billing"})
	if project.Int("mentions") != 1 || project.String("description") != "payments rewrite" {
		t.Errorf("project = %v", project)
	}
	if project.String("last_mentioned") != "2025-03-03" {
		t.Errorf("last_mentioned = %q", project.String("last_mentioned"))
	}
	// Duplicate skills within one reply count once.
	skill := env.find(t, storage.ModelSkill, storage.Filter{"user_id": "u1", "name": "Go"})
	if skill.Int("mentions") != 1 || skill.String("category") != "language" {
		t.Errorf("skill = %v", skill)
	}
	comp := env.find(t, storage.ModelCompetency, storage.Filter{"user_id": "u1", "name": "ownership"})
	if comp.Int("evidence_count") != 1 || comp.String("level") != "proficient" {
		t.Errorf("competency = %v", comp)
	}
}

func TestAnalyze_CountsAcrossEntries(t *testing.T) {
	env := newTestEnv(t, sampleReply)
	ctx := context.Background()
	later := env.addEntry(t, "u1", "2025-03-04", "More billing work.")
	earlier := env.addEntry(t, "u1", "2025-03-01", "Started billing.")

	for _, id := range []string{later, earlier} {
		if _, err := env.analyzer.Analyze(ctx, id, jobs.AnalyzeOptions{}); err != nil {
			t.Fatalf("Analyze %s: %v", id, err)
		}
	}

	project := env.find(t, storage.ModelProject, storage.Filter{"user_id": "u1", "name": "billing"})
	if project.Int("mentions") != 2 {
		t.Errorf("mentions = %d, want 2", project.Int("mentions"))
	}
	if project.String("last_mentioned") != "2025-03-04" {
		t.Errorf("last_mentioned = %q, want the later date", project.String("last_mentioned"))
	}
}

func TestAnalyze_ReanalysisDoesNotDoubleCount(t *testing.T) {
	env := newTestEnv(t, sampleReply)
	ctx := context.Background()
	id := env.addEntry(t, "u1", "2025-03-03", "Billing.")

	for i := 0; i < 2; i++ {
		if _, err := env.analyzer.Analyze(ctx, id, jobs.AnalyzeOptions{Force: true}); err != nil {
			t.Fatalf("Analyze: %v", err)
		}
	}
	if env.llm.Calls() != 2 {
		t.Errorf("completer calls = %d, want 2 with Force", env.llm.Calls())
	}
	project := env.find(t, storage.ModelProject, storage.Filter{"user_id": "u1", "name": "billing"})
	if project.Int("mentions") != 1 {
		t.Errorf("mentions = %d, want 1", project.Int("mentions"))
	}
}

func TestAnalyze_ExtractionCache(t *testing.T) {
	env := newTestEnv(t, sampleReply)
	ctx := context.Background()
	first := env.addEntry(t, "u1", "2025-03-03", "Same words.")
	second := env.addEntry(t, "u2", "2025-03-03", "Same words.")

	if _, err := env.analyzer.Analyze(ctx, first, jobs.AnalyzeOptions{}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	res, err := env.analyzer.Analyze(ctx, second, jobs.AnalyzeOptions{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if env.llm.Calls() != 1 {
		t.Errorf("completer calls = %d, want 1", env.llm.Calls())
	}
	var out Output
	json.Unmarshal(res.Data, &out)
	if !out.Cached || res.Usage != nil {
		t.Errorf("second analysis cached=%v usage=%v, want cached without usage", out.Cached, res.Usage)
	}
	// The cached extraction is still written to the second user's data.
	env.find(t, storage.ModelProject, storage.Filter{"user_id": "u2", "name": "billing"})
}

func TestAnalyze_InvalidOutput(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"not json", `here you go: {`, "not JSON"},
		{"sentiment out of range", `{"sentiment": 3, "summary": "", "projects": [], "skills": [], "competencies": []}`, "does not match schema"},
		{"missing field", `{"sentiment": 0, "summary": ""}`, "does not match schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.reply)
			id := env.addEntry(t, "u1", "2025-03-03", "text")

			res, err := env.analyzer.Analyze(context.Background(), id, jobs.AnalyzeOptions{})
			if err != nil {
				t.Fatalf("Analyze error = %v, want an unsuccessful result", err)
			}
			if res.Success || !strings.Contains(res.Error, tt.want) {
				t.Errorf("result = %+v, want failure mentioning %q", res, tt.want)
			}
			entry := env.find(t, storage.ModelEntry, storage.Filter{"id": id})
			if entry.String("analyzed_at") != "" {
				t.Error("entry was marked analyzed")
			}
		})
	}
}

func TestAnalyze_CompleterError(t *testing.T) {
	env := newTestEnv(t, "")
	env.llm.err = errors.New("rate limited")
	id := env.addEntry(t, "u1", "2025-03-03", "text")

	if _, err := env.analyzer.Analyze(context.Background(), id, jobs.AnalyzeOptions{}); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("Analyze error = %v, want the completer error", err)
	}
}

func TestAnalyze_MissingEntry(t *testing.T) {
	env := newTestEnv(t, sampleReply)
	_, err := env.analyzer.Analyze(context.Background(), "nope", jobs.AnalyzeOptions{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Analyze error = %v, want ErrNotFound", err)
	}
	if env.llm.Calls() != 0 {
		t.Error("completer called for a missing entry")
	}
}

func TestAnalyze_InvalidatesUserLists(t *testing.T) {
	env := newTestEnv(t, sampleReply)
	ctx := context.Background()
	id := env.addEntry(t, "u1", "2025-03-03", "Billing.")
	q := storage.Query{Where: storage.Filter{"user_id": "u1"}}

	before, err := env.layer.UserData(ctx, storage.ModelProject, q, cachedb.SuffixProjects)
	if err != nil {
		t.Fatalf("UserData: %v", err)
	}
	if len(before) != 0 {
		t.Fatalf("projects before analysis = %d", len(before))
	}

	if _, err := env.analyzer.Analyze(ctx, id, jobs.AnalyzeOptions{}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	after, err := env.layer.UserData(ctx, storage.ModelProject, q, cachedb.SuffixProjects)
	if err != nil {
		t.Fatalf("UserData: %v", err)
	}
	if len(after) != 1 {
		t.Errorf("projects after analysis = %d, want 1 (stale cache?)", len(after))
	}
}

func TestAnalyze_UserPromptCarriesEntry(t *testing.T) {
	env := newTestEnv(t, sampleReply)
	id := env.addEntry(t, "u1", "2025-03-03", "Paired with Dana on the billing rollout.")
	env.analyzer.Analyze(context.Background(), id, jobs.AnalyzeOptions{})

	if len(env.llm.messages) != 1 {
		t.Fatalf("completer calls = %d", len(env.llm.messages))
	}
	msgs := env.llm.messages[0]
	user := msgs[len(msgs)-1]
	if user.Role != "user" || !strings.Contains(user.Content, "2025-03-03") || !strings.Contains(user.Content, "billing rollout") {
		t.Errorf("user message = %+v", user)
	}
}
