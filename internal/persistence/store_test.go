package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/duelog/internal/persistence"
	_ "github.com/mattn/go-sqlite3"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runs.sqlite3")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func mustCreateRun(t *testing.T, store *persistence.Store, rec persistence.RunRecord) int64 {
	t.Helper()
	if rec.Theme == "" {
		rec.Theme = "test theme"
	}
	id, err := store.CreateRun(context.Background(), rec)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return id
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"runs", "messages"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	runID := mustCreateRun(t, store, persistence.RunRecord{Theme: "persistence"})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	run, err := reopened.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run after reopen: %v", err)
	}
	if run == nil || run.Theme != "persistence" {
		t.Fatalf("run not preserved across reopen: %+v", run)
	}
}

func TestStore_UpgradesLegacySchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.sqlite3")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exported_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			theme TEXT NOT NULL,
			interaction_mode TEXT NOT NULL,
			initial_turns INTEGER NOT NULL,
			max_extensions INTEGER NOT NULL,
			total_turns INTEGER NOT NULL,
			extensions_used INTEGER NOT NULL,
			last_outcome TEXT,
			review_enabled INTEGER NOT NULL,
			final_review TEXT,
			left_name TEXT NOT NULL,
			left_model TEXT NOT NULL,
			left_agent_prompt TEXT,
			right_name TEXT NOT NULL,
			right_model TEXT NOT NULL,
			right_agent_prompt TEXT,
			review_name TEXT,
			review_model TEXT,
			review_agent_prompt TEXT
		);`,
		`CREATE TABLE messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			turn_index INTEGER NOT NULL,
			author TEXT NOT NULL,
			text TEXT
		);`,
		`INSERT INTO runs (exported_at, created_at, theme, interaction_mode,
			initial_turns, max_extensions, total_turns, extensions_used,
			review_enabled, left_name, left_model, right_name, right_model)
			VALUES ('2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z', 'old', 'open',
			3, 0, 1, 0, 0, 'L', 'm1', 'R', 'm2');`,
		`INSERT INTO messages (run_id, turn_index, author, text)
			VALUES (1, 1, 'L', 'legacy body');`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed legacy schema: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw db: %v", err)
	}

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open over legacy schema: %v", err)
	}
	defer store.Close()

	run, err := store.GetRun(context.Background(), 1)
	if err != nil {
		t.Fatalf("get legacy run: %v", err)
	}
	if run == nil {
		t.Fatal("legacy run not found after upgrade")
	}
	if run.Completed {
		t.Error("legacy run should default to not completed")
	}
	if len(run.Transcript) != 1 {
		t.Fatalf("expected 1 transcript entry, got %d", len(run.Transcript))
	}
	msg := run.Transcript[0]
	if msg.Text != "legacy body" {
		t.Errorf("answer fallback to legacy text: got %q", msg.Text)
	}
	if msg.RawText != "legacy body" {
		t.Errorf("raw fallback to legacy text: got %q", msg.RawText)
	}
	if msg.MessageType != "agent" {
		t.Errorf("message_type default: got %q", msg.MessageType)
	}
}

func TestStore_CreateRunAppliesDefaults(t *testing.T) {
	store, _ := openTestStore(t)
	id := mustCreateRun(t, store, persistence.RunRecord{Theme: "defaults"})

	run, err := store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run == nil {
		t.Fatal("run not found")
	}
	if run.InteractionMode != "open" {
		t.Errorf("interaction mode default: got %q", run.InteractionMode)
	}
	if run.LeftAgent.Name != "Analyst Left" {
		t.Errorf("left agent default: got %q", run.LeftAgent.Name)
	}
	if run.RightAgent.Name != "Analyst Right" {
		t.Errorf("right agent default: got %q", run.RightAgent.Name)
	}
	if run.ReviewAgent.Name != "Reviewer" {
		t.Errorf("review agent default: got %q", run.ReviewAgent.Name)
	}
	if run.ExportedAt == "" {
		t.Error("exported_at should default to now")
	}
	if run.CreatedAt == "" {
		t.Error("created_at should be set")
	}
	if run.FinishedAt != nil {
		t.Errorf("finished_at should be null, got %q", *run.FinishedAt)
	}
	if run.Transcript == nil || len(run.Transcript) != 0 {
		t.Errorf("transcript should be empty non-nil, got %#v", run.Transcript)
	}
}

func TestStore_CreateRunWithTranscript(t *testing.T) {
	store, _ := openTestStore(t)
	transcript := []persistence.MessageRecord{
		{TurnIndex: 1, MessageType: "agent", Author: "L", RawText: "r1", AnswerText: "a1"},
		{TurnIndex: 2, MessageType: "agent", Author: "R", RawText: "r2", AnswerText: "a2"},
		{TurnIndex: 2, MessageType: "review", Author: "Rev", AnswerText: "verdict"},
	}
	id, err := store.CreateRunWithTranscript(context.Background(),
		persistence.RunRecord{Theme: "import", TotalTurns: 0}, transcript)
	if err != nil {
		t.Fatalf("create run with transcript: %v", err)
	}

	run, err := store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if len(run.Transcript) != 3 {
		t.Fatalf("expected 3 transcript entries, got %d", len(run.Transcript))
	}
	// Agent entries ratchet total_turns; the review entry does not.
	if run.TotalTurns != 2 {
		t.Errorf("total turns after import: got %d, want 2", run.TotalTurns)
	}
	if run.Transcript[0].Text != "a1" || run.Transcript[1].Text != "a2" {
		t.Errorf("transcript answers: got %q, %q", run.Transcript[0].Text, run.Transcript[1].Text)
	}
}

func TestStore_AppendMessageTurnRatchet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := mustCreateRun(t, store, persistence.RunRecord{Theme: "ratchet"})

	for _, turn := range []int64{3, 1, 5, 2} {
		err := store.AppendMessage(ctx, id, persistence.MessageRecord{
			TurnIndex: turn, MessageType: "agent", Author: "L", AnswerText: "x",
		})
		if err != nil {
			t.Fatalf("append turn %d: %v", turn, err)
		}
	}

	run, err := store.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.TotalTurns != 5 {
		t.Errorf("total turns: got %d, want 5", run.TotalTurns)
	}

	// Non-agent entries and non-positive turn indexes never move the count.
	appends := []persistence.MessageRecord{
		{TurnIndex: 9, MessageType: "review", Author: "Rev", AnswerText: "v"},
		{TurnIndex: 0, MessageType: "agent", Author: "L", AnswerText: "meta"},
	}
	for _, msg := range appends {
		if err := store.AppendMessage(ctx, id, msg); err != nil {
			t.Fatalf("append %q: %v", msg.MessageType, err)
		}
	}
	run, err = store.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.TotalTurns != 5 {
		t.Errorf("total turns after non-ratcheting appends: got %d, want 5", run.TotalTurns)
	}
}

func TestStore_TranscriptOrdering(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := mustCreateRun(t, store, persistence.RunRecord{Theme: "ordering"})

	// Appended out of turn order; ties on turn 1 keep insertion order.
	msgs := []persistence.MessageRecord{
		{TurnIndex: 2, MessageType: "agent", Author: "R", AnswerText: "second"},
		{TurnIndex: 1, MessageType: "agent", Author: "L", AnswerText: "first"},
		{TurnIndex: 1, MessageType: "review", Author: "Rev", AnswerText: "aside"},
	}
	for _, msg := range msgs {
		if err := store.AppendMessage(ctx, id, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	run, err := store.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	got := make([]string, 0, len(run.Transcript))
	for _, m := range run.Transcript {
		got = append(got, m.Text)
	}
	want := []string{"first", "aside", "second"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transcript order: got %v, want %v", got, want)
		}
	}
}

func TestStore_PatchRun(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := mustCreateRun(t, store, persistence.RunRecord{
		Theme:       "patch",
		LastOutcome: "continue",
		FinalReview: "draft",
		TotalTurns:  4,
	})

	// An empty patch changes nothing.
	if err := store.PatchRun(ctx, id, persistence.RunPatch{}); err != nil {
		t.Fatalf("empty patch: %v", err)
	}
	run, _ := store.GetRun(ctx, id)
	if run.LastOutcome != "continue" || run.FinalReview != "draft" || run.TotalTurns != 4 {
		t.Fatalf("empty patch mutated run: %+v", run)
	}
	if run.Completed || run.FinishedAt != nil {
		t.Fatal("empty patch must not complete the run")
	}

	// Field updates apply independently.
	turns := int64(6)
	ext := int64(1)
	err := store.PatchRun(ctx, id, persistence.RunPatch{
		TotalTurns:     &turns,
		ExtensionsUsed: &ext,
		LastOutcome:    "extended",
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	run, _ = store.GetRun(ctx, id)
	if run.TotalTurns != 6 || run.ExtensionsUsed != 1 || run.LastOutcome != "extended" {
		t.Fatalf("patch not applied: %+v", run)
	}
	if run.FinalReview != "draft" {
		t.Errorf("final review should be untouched, got %q", run.FinalReview)
	}

	// Completing without a finish time stamps the current time.
	if err := store.PatchRun(ctx, id, persistence.RunPatch{Completed: true}); err != nil {
		t.Fatalf("complete patch: %v", err)
	}
	run, _ = store.GetRun(ctx, id)
	if !run.Completed {
		t.Fatal("run should be completed")
	}
	if run.FinishedAt == nil || *run.FinishedAt == "" {
		t.Fatal("finished_at should be stamped on completion")
	}
	stamped := *run.FinishedAt

	// completed=false never reopens the run, and finished_at is kept.
	if err := store.PatchRun(ctx, id, persistence.RunPatch{LastOutcome: "late"}); err != nil {
		t.Fatalf("post-completion patch: %v", err)
	}
	run, _ = store.GetRun(ctx, id)
	if !run.Completed {
		t.Fatal("completed must ratchet, not reset")
	}
	if run.FinishedAt == nil || *run.FinishedAt != stamped {
		t.Error("finished_at should be preserved on later patches")
	}

	// An explicit finish time wins over the stamp.
	err = store.PatchRun(ctx, id, persistence.RunPatch{
		Completed:  true,
		FinishedAt: "2026-01-02T03:04:05Z",
	})
	if err != nil {
		t.Fatalf("explicit finish patch: %v", err)
	}
	run, _ = store.GetRun(ctx, id)
	if run.FinishedAt == nil || *run.FinishedAt != "2026-01-02T03:04:05Z" {
		t.Errorf("explicit finished_at: got %v", run.FinishedAt)
	}
}

func TestStore_ListRunSummaries(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := mustCreateRun(t, store, persistence.RunRecord{Theme: "alpha"})
	second := mustCreateRun(t, store, persistence.RunRecord{Theme: "beta"})
	third := mustCreateRun(t, store, persistence.RunRecord{Theme: "gamma", Completed: true})

	summaries, err := store.ListRunSummaries(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	if summaries[0].ID != third || summaries[1].ID != second || summaries[2].ID != first {
		t.Fatalf("summaries not newest-first: %+v", summaries)
	}
	if summaries[0].Theme != "gamma" || !summaries[0].Completed {
		t.Fatalf("summary fields: %+v", summaries[0])
	}
	if summaries[2].Completed {
		t.Error("first run should not be completed")
	}
}

func TestStore_GetRunMissing(t *testing.T) {
	store, _ := openTestStore(t)
	run, err := store.GetRun(context.Background(), 999)
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	if run != nil {
		t.Fatalf("expected nil for missing run, got %+v", run)
	}
}

func TestStore_RunExists(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := mustCreateRun(t, store, persistence.RunRecord{Theme: "exists"})

	ok, err := store.RunExists(ctx, id)
	if err != nil {
		t.Fatalf("run exists: %v", err)
	}
	if !ok {
		t.Error("expected run to exist")
	}
	ok, err = store.RunExists(ctx, id+100)
	if err != nil {
		t.Fatalf("run exists: %v", err)
	}
	if ok {
		t.Error("expected missing run to not exist")
	}
}
