package persistence

import (
	"database/sql"
	"time"
)

// AgentProfile describes one of the three fixed participants in a run.
type AgentProfile struct {
	Name        string `json:"name"`
	ModelID     string `json:"modelId"`
	AgentPrompt string `json:"agentPrompt"`
}

// RunSummary is the compact listing row returned by the run index.
type RunSummary struct {
	ID              int64  `json:"id"`
	CreatedAt       string `json:"createdAt"`
	ExportedAt      string `json:"exportedAt"`
	Theme           string `json:"theme"`
	InteractionMode string `json:"interactionMode"`
	TotalTurns      int64  `json:"totalTurns"`
	Completed       bool   `json:"completed"`
}

// Message is one transcript entry as returned on a full run read.
// Text carries the display text resolved from the stored answer columns.
type Message struct {
	TurnIndex    int64  `json:"turnIndex"`
	MessageType  string `json:"messageType"`
	Author       string `json:"author"`
	RawText      string `json:"rawText"`
	ThinkingText string `json:"thinkingText"`
	Text         string `json:"text"`
}

// Run is the full run document including its ordered transcript.
type Run struct {
	ID              int64        `json:"id"`
	ExportedAt      string       `json:"exportedAt"`
	CreatedAt       string       `json:"createdAt"`
	Theme           string       `json:"theme"`
	InteractionMode string       `json:"interactionMode"`
	InitialTurns    int64        `json:"initialTurns"`
	MaxExtensions   int64        `json:"maxExtensions"`
	TotalTurns      int64        `json:"totalTurns"`
	ExtensionsUsed  int64        `json:"extensionsUsed"`
	LastOutcome     string       `json:"lastOutcome"`
	ReviewEnabled   bool         `json:"reviewEnabled"`
	FinalReview     string       `json:"finalReview"`
	Completed       bool         `json:"completed"`
	FinishedAt      *string      `json:"finishedAt"`
	LeftAgent       AgentProfile `json:"leftAgent"`
	RightAgent      AgentProfile `json:"rightAgent"`
	ReviewAgent     AgentProfile `json:"reviewAgent"`
	Transcript      []Message    `json:"transcript"`
}

// RunRecord is the write-side shape for inserting a run row. Callers may
// leave fields zero-valued; insert applies the documented defaults.
type RunRecord struct {
	ExportedAt      string
	Theme           string
	InteractionMode string
	InitialTurns    int64
	MaxExtensions   int64
	TotalTurns      int64
	ExtensionsUsed  int64
	LastOutcome     string
	ReviewEnabled   bool
	FinalReview     string
	LeftAgent       AgentProfile
	RightAgent      AgentProfile
	ReviewAgent     AgentProfile
	Completed       bool
	FinishedAt      string
}

// MessageRecord is the write-side shape for appending one transcript entry.
type MessageRecord struct {
	TurnIndex    int64
	MessageType  string
	Author       string
	RawText      string
	ThinkingText string
	AnswerText   string
}

// RunPatch carries a partial run update. Nil pointers and empty strings
// mean the field is absent and the stored value is kept. Completed only
// ratchets forward; a false value never clears a completed run.
type RunPatch struct {
	ExportedAt     string
	TotalTurns     *int64
	ExtensionsUsed *int64
	LastOutcome    string
	FinalReview    string
	Completed      bool
	FinishedAt     string
}

func utcNowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// rawTextFallback resolves the displayed raw text for a transcript row.
// Older rows predate the raw_text and answer_text columns and only carry
// the legacy text column, so resolution walks raw -> answer -> legacy.
func rawTextFallback(raw, answer, legacy sql.NullString) string {
	switch {
	case raw.Valid:
		return raw.String
	case answer.Valid:
		return answer.String
	case legacy.Valid:
		return legacy.String
	default:
		return ""
	}
}

// answerTextFallback resolves the displayed answer text, preferring the
// answer_text column over the legacy text column.
func answerTextFallback(answer, legacy sql.NullString) string {
	switch {
	case answer.Valid:
		return answer.String
	case legacy.Valid:
		return legacy.String
	default:
		return ""
	}
}

// normalizeRun applies insert-time defaults so every stored run row has
// non-empty participant names and an interaction mode.
func normalizeRun(rec RunRecord) RunRecord {
	rec.ExportedAt = defaultString(rec.ExportedAt, utcNowISO())
	rec.InteractionMode = defaultString(rec.InteractionMode, "open")
	rec.LeftAgent.Name = defaultString(rec.LeftAgent.Name, "Analyst Left")
	rec.RightAgent.Name = defaultString(rec.RightAgent.Name, "Analyst Right")
	rec.ReviewAgent.Name = defaultString(rec.ReviewAgent.Name, "Reviewer")
	return rec
}

// normalizeMessage applies insert-time defaults for a transcript entry.
func normalizeMessage(msg MessageRecord) MessageRecord {
	msg.MessageType = defaultString(msg.MessageType, "agent")
	msg.Author = defaultString(msg.Author, "Agent")
	return msg
}
