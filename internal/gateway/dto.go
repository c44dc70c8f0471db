package gateway

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/basket/duelog/internal/persistence"
)

// FlexInt accepts a JSON number, a numeric string, or a boolean and
// coerces anything else (null, objects, non-numeric strings) to zero.
// Exports produced by older clients carry counters as strings.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch s {
	case "null":
		*f = 0
		return nil
	case "true":
		*f = 1
		return nil
	case "false":
		*f = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = FlexInt(n)
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err != nil {
		*f = 0
		return nil
	}
	*f = FlexInt(num)
	return nil
}

// FlexBool applies truthiness coercion: false, 0, null, empty strings
// and empty containers are false, everything else is true.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "null", "false", "0", `""`, "[]", "{}":
		*b = false
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*b = num != 0
		return nil
	}
	*b = true
	return nil
}

type agentPayload struct {
	Name        string `json:"name"`
	ModelID     string `json:"modelId"`
	AgentPrompt string `json:"agentPrompt"`
}

func (p *agentPayload) profile() persistence.AgentProfile {
	if p == nil {
		return persistence.AgentProfile{}
	}
	return persistence.AgentProfile{
		Name:        p.Name,
		ModelID:     p.ModelID,
		AgentPrompt: p.AgentPrompt,
	}
}

type runPayload struct {
	ExportedAt      string           `json:"exportedAt"`
	Theme           string           `json:"theme"`
	InteractionMode string           `json:"interactionMode"`
	InitialTurns    FlexInt          `json:"initialTurns"`
	MaxExtensions   FlexInt          `json:"maxExtensions"`
	TotalTurns      FlexInt          `json:"totalTurns"`
	ExtensionsUsed  FlexInt          `json:"extensionsUsed"`
	LastOutcome     string           `json:"lastOutcome"`
	ReviewEnabled   FlexBool         `json:"reviewEnabled"`
	FinalReview     string           `json:"finalReview"`
	Completed       FlexBool         `json:"completed"`
	FinishedAt      string           `json:"finishedAt"`
	LeftAgent       *agentPayload    `json:"leftAgent"`
	RightAgent      *agentPayload    `json:"rightAgent"`
	ReviewAgent     *agentPayload    `json:"reviewAgent"`
	Transcript      []messagePayload `json:"transcript"`
}

func (p runPayload) record() persistence.RunRecord {
	return persistence.RunRecord{
		ExportedAt:      strings.TrimSpace(p.ExportedAt),
		Theme:           p.Theme,
		InteractionMode: p.InteractionMode,
		InitialTurns:    int64(p.InitialTurns),
		MaxExtensions:   int64(p.MaxExtensions),
		TotalTurns:      int64(p.TotalTurns),
		ExtensionsUsed:  int64(p.ExtensionsUsed),
		LastOutcome:     p.LastOutcome,
		ReviewEnabled:   bool(p.ReviewEnabled),
		FinalReview:     p.FinalReview,
		LeftAgent:       p.LeftAgent.profile(),
		RightAgent:      p.RightAgent.profile(),
		ReviewAgent:     p.ReviewAgent.profile(),
		Completed:       bool(p.Completed),
		FinishedAt:      strings.TrimSpace(p.FinishedAt),
	}
}

// messagePayload is one inbound transcript entry. Exports use the text
// key where live appends use answerText; both are accepted everywhere.
type messagePayload struct {
	TurnIndex    *FlexInt `json:"turnIndex"`
	MessageType  string   `json:"messageType"`
	Author       string   `json:"author"`
	RawText      string   `json:"rawText"`
	ThinkingText string   `json:"thinkingText"`
	AnswerText   string   `json:"answerText"`
	Text         string   `json:"text"`
}

// record maps the payload to its stored shape. A missing turnIndex takes
// defaultTurn (the 1-based position on import, zero on direct appends).
func (p messagePayload) record(defaultTurn int64) persistence.MessageRecord {
	turn := defaultTurn
	if p.TurnIndex != nil {
		turn = int64(*p.TurnIndex)
	}
	answer := p.AnswerText
	if answer == "" {
		answer = p.Text
	}
	raw := p.RawText
	if raw == "" {
		raw = answer
	}
	return persistence.MessageRecord{
		TurnIndex:    turn,
		MessageType:  p.MessageType,
		Author:       p.Author,
		RawText:      raw,
		ThinkingText: p.ThinkingText,
		AnswerText:   answer,
	}
}

// runPatchPayload is the partial update body. Empty strings and nil
// pointers mean the field was not sent.
type runPatchPayload struct {
	ExportedAt     string   `json:"exportedAt"`
	TotalTurns     *FlexInt `json:"totalTurns"`
	ExtensionsUsed *FlexInt `json:"extensionsUsed"`
	LastOutcome    string   `json:"lastOutcome"`
	FinalReview    string   `json:"finalReview"`
	Completed      FlexBool `json:"completed"`
	FinishedAt     string   `json:"finishedAt"`
}

func (p runPatchPayload) patch() persistence.RunPatch {
	out := persistence.RunPatch{
		ExportedAt:  strings.TrimSpace(p.ExportedAt),
		LastOutcome: p.LastOutcome,
		FinalReview: p.FinalReview,
		Completed:   bool(p.Completed),
		FinishedAt:  strings.TrimSpace(p.FinishedAt),
	}
	if p.TotalTurns != nil {
		v := int64(*p.TotalTurns)
		out.TotalTurns = &v
	}
	if p.ExtensionsUsed != nil {
		v := int64(*p.ExtensionsUsed)
		out.ExtensionsUsed = &v
	}
	return out
}
