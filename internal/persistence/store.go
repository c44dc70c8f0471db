// Package persistence implements the embedded SQLite store for debate
// runs and their transcripts. The schema is managed additively: new
// columns are added with ALTER TABLE so older database files upgrade in
// place on open.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// listLimit caps the run index to the most recent entries.
const listLimit = 200

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and brings
// its schema up to date. The single-connection pool serializes writers so
// concurrent appends cannot interleave an insert and its turn ratchet.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open store: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// initSchema creates the base tables and applies the additive column
// migrations inside one transaction. Every statement is idempotent, so
// re-opening an up-to-date database is a no-op.
func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
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
			review_agent_prompt TEXT,
			completed INTEGER NOT NULL DEFAULT 0,
			finished_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			turn_index INTEGER NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'agent',
			author TEXT NOT NULL,
			raw_text TEXT,
			thinking_text TEXT,
			answer_text TEXT,
			text TEXT,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Columns added after the initial release. Order matters: databases
	// created by any prior version pick up exactly the columns they lack.
	columnMigrations := []struct {
		table      string
		column     string
		definition string
	}{
		{"runs", "completed", "INTEGER NOT NULL DEFAULT 0"},
		{"runs", "finished_at", "TEXT"},
		{"messages", "message_type", "TEXT NOT NULL DEFAULT 'agent'"},
		{"messages", "raw_text", "TEXT"},
		{"messages", "thinking_text", "TEXT"},
		{"messages", "answer_text", "TEXT"},
		{"messages", "text", "TEXT"},
	}
	for _, m := range columnMigrations {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", m.table, m.column, m.definition)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// CreateRun inserts a run row without any transcript and returns its id.
func (s *Store) CreateRun(ctx context.Context, rec RunRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create run tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := insertRunTx(ctx, tx, rec)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create run tx: %w", err)
	}
	return id, nil
}

// CreateRunWithTranscript inserts a run row together with its transcript
// entries in a single transaction. Either everything lands or nothing does.
func (s *Store) CreateRunWithTranscript(ctx context.Context, rec RunRecord, transcript []MessageRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := insertRunTx(ctx, tx, rec)
	if err != nil {
		return 0, err
	}
	for _, msg := range transcript {
		if err := insertMessageTx(ctx, tx, id, msg); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import tx: %w", err)
	}
	return id, nil
}

// AppendMessage adds one transcript entry to an existing run. Agent
// entries with a positive turn index ratchet the run's total_turns up.
func (s *Store) AppendMessage(ctx context.Context, runID int64, msg MessageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMessageTx(ctx, tx, runID, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// RunExists reports whether a run row with the given id is present.
func (s *Store) RunExists(ctx context.Context, runID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?;`, runID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check run %d: %w", runID, err)
	}
	return true, nil
}

// PatchRun applies a partial update to a run row. Absent fields keep
// their stored values; completed only moves from false to true. When the
// patch completes the run without naming a finish time, the current UTC
// time is recorded.
func (s *Store) PatchRun(ctx context.Context, runID int64, patch RunPatch) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET exported_at = COALESCE(NULLIF(?, ''), exported_at),
		    total_turns = COALESCE(?, total_turns),
		    extensions_used = COALESCE(?, extensions_used),
		    last_outcome = COALESCE(NULLIF(?, ''), last_outcome),
		    final_review = COALESCE(NULLIF(?, ''), final_review),
		    completed = CASE WHEN ? THEN 1 ELSE completed END,
		    finished_at = CASE
		        WHEN ? <> '' THEN ?
		        WHEN ? THEN ?
		        ELSE finished_at
		    END
		WHERE id = ?;`,
		strings.TrimSpace(patch.ExportedAt),
		patch.TotalTurns,
		patch.ExtensionsUsed,
		patch.LastOutcome,
		patch.FinalReview,
		patch.Completed,
		strings.TrimSpace(patch.FinishedAt),
		strings.TrimSpace(patch.FinishedAt),
		patch.Completed,
		utcNowISO(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("patch run %d: %w", runID, err)
	}
	return nil
}

// ListRunSummaries returns the most recent runs, newest first.
func (s *Store) ListRunSummaries(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, exported_at, theme, interaction_mode, total_turns, completed
		FROM runs
		ORDER BY id DESC
		LIMIT ?;`, listLimit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	summaries := []RunSummary{}
	for rows.Next() {
		var sum RunSummary
		var completed int
		if err := rows.Scan(&sum.ID, &sum.CreatedAt, &sum.ExportedAt, &sum.Theme, &sum.InteractionMode, &sum.TotalTurns, &completed); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		sum.Completed = completed != 0
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run summaries: %w", err)
	}
	return summaries, nil
}

// GetRun loads the full run document including its ordered transcript.
// Returns (nil, nil) when no run with the given id exists.
func (s *Store) GetRun(ctx context.Context, runID int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, exported_at, created_at, theme, interaction_mode,
		       initial_turns, max_extensions, total_turns, extensions_used,
		       last_outcome, review_enabled, final_review,
		       left_name, left_model, left_agent_prompt,
		       right_name, right_model, right_agent_prompt,
		       review_name, review_model, review_agent_prompt,
		       completed, finished_at
		FROM runs
		WHERE id = ?;`, runID)

	var (
		run                                Run
		lastOutcome, finalReview           sql.NullString
		leftPrompt, rightPrompt            sql.NullString
		reviewName, reviewModel, revPrompt sql.NullString
		reviewEnabled, completed           int
		finishedAt                         sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.ExportedAt, &run.CreatedAt, &run.Theme, &run.InteractionMode,
		&run.InitialTurns, &run.MaxExtensions, &run.TotalTurns, &run.ExtensionsUsed,
		&lastOutcome, &reviewEnabled, &finalReview,
		&run.LeftAgent.Name, &run.LeftAgent.ModelID, &leftPrompt,
		&run.RightAgent.Name, &run.RightAgent.ModelID, &rightPrompt,
		&reviewName, &reviewModel, &revPrompt,
		&completed, &finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run %d: %w", runID, err)
	}

	run.LastOutcome = lastOutcome.String
	run.ReviewEnabled = reviewEnabled != 0
	run.FinalReview = finalReview.String
	run.Completed = completed != 0
	if finishedAt.Valid {
		v := finishedAt.String
		run.FinishedAt = &v
	}
	run.LeftAgent.AgentPrompt = leftPrompt.String
	run.RightAgent.AgentPrompt = rightPrompt.String
	run.ReviewAgent = AgentProfile{
		Name:        defaultString(reviewName.String, "Reviewer"),
		ModelID:     reviewModel.String,
		AgentPrompt: revPrompt.String,
	}

	transcript, err := s.loadTranscript(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Transcript = transcript
	return &run, nil
}

func (s *Store) loadTranscript(ctx context.Context, runID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_index, message_type, author, raw_text, thinking_text, answer_text, text
		FROM messages
		WHERE run_id = ?
		ORDER BY turn_index ASC, id ASC;`, runID)
	if err != nil {
		return nil, fmt.Errorf("load transcript for run %d: %w", runID, err)
	}
	defer rows.Close()

	transcript := []Message{}
	for rows.Next() {
		var (
			m                  Message
			raw, thinking      sql.NullString
			answer, legacyText sql.NullString
		)
		if err := rows.Scan(&m.TurnIndex, &m.MessageType, &m.Author, &raw, &thinking, &answer, &legacyText); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		m.RawText = rawTextFallback(raw, answer, legacyText)
		m.ThinkingText = thinking.String
		m.Text = answerTextFallback(answer, legacyText)
		transcript = append(transcript, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return transcript, nil
}

func insertRunTx(ctx context.Context, tx *sql.Tx, rec RunRecord) (int64, error) {
	rec = normalizeRun(rec)

	var finishedAt any
	if rec.FinishedAt != "" {
		finishedAt = rec.FinishedAt
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (
			exported_at, created_at, theme, interaction_mode,
			initial_turns, max_extensions, total_turns, extensions_used,
			last_outcome, review_enabled, final_review,
			left_name, left_model, left_agent_prompt,
			right_name, right_model, right_agent_prompt,
			review_name, review_model, review_agent_prompt,
			completed, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ExportedAt,
		utcNowISO(),
		rec.Theme,
		rec.InteractionMode,
		rec.InitialTurns,
		rec.MaxExtensions,
		rec.TotalTurns,
		rec.ExtensionsUsed,
		rec.LastOutcome,
		rec.ReviewEnabled,
		rec.FinalReview,
		rec.LeftAgent.Name,
		rec.LeftAgent.ModelID,
		rec.LeftAgent.AgentPrompt,
		rec.RightAgent.Name,
		rec.RightAgent.ModelID,
		rec.RightAgent.AgentPrompt,
		rec.ReviewAgent.Name,
		rec.ReviewAgent.ModelID,
		rec.ReviewAgent.AgentPrompt,
		rec.Completed,
		finishedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read run id: %w", err)
	}
	return id, nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, runID int64, msg MessageRecord) error {
	msg = normalizeMessage(msg)

	// The legacy text column mirrors answer_text so databases read by
	// older builds still see the answer.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (run_id, turn_index, message_type, author, raw_text, thinking_text, answer_text, text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		runID, msg.TurnIndex, msg.MessageType, msg.Author,
		msg.RawText, msg.ThinkingText, msg.AnswerText, msg.AnswerText,
	); err != nil {
		return fmt.Errorf("insert message for run %d: %w", runID, err)
	}

	if msg.MessageType == "agent" && msg.TurnIndex > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET total_turns = CASE WHEN total_turns < ? THEN ? ELSE total_turns END
			WHERE id = ?;`,
			msg.TurnIndex, msg.TurnIndex, runID,
		); err != nil {
			return fmt.Errorf("advance turn count for run %d: %w", runID, err)
		}
	}
	return nil
}
