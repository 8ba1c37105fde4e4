package server

import (
	"time"

	"github.com/MrWong99/companion/internal/conversation"
	"github.com/MrWong99/companion/internal/persona"
	"github.com/MrWong99/companion/internal/session"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	PersonaID string `json:"persona_id"`
}

type personaRequest struct {
	PersonaID string `json:"persona_id"`
}

type errorJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorJSON `json:"error"`
}

type replyJSON struct {
	SessionID          string `json:"session_id"`
	Reply              string `json:"reply"`
	PersonaID          string `json:"persona_id"`
	PersonaName        string `json:"persona_name"`
	EmotionLevel       int    `json:"emotion_level"`
	EmotionDescription string `json:"emotion_description"`
	Source             string `json:"source"`
	Shared             bool   `json:"shared"`
}

func toReplyJSON(r conversation.Reply) replyJSON {
	return replyJSON{
		SessionID:          r.SessionID,
		Reply:              r.Text,
		PersonaID:          string(r.PersonaID),
		PersonaName:        r.PersonaName,
		EmotionLevel:       r.EmotionLevel,
		EmotionDescription: r.EmotionDescription,
		Source:             string(r.Source),
		Shared:             r.Shared,
	}
}

type statusJSON struct {
	SessionID          string    `json:"session_id"`
	PersonaID          string    `json:"persona_id"`
	PersonaName        string    `json:"persona_name"`
	EmotionLevel       int       `json:"emotion_level"`
	EmotionDescription string    `json:"emotion_description"`
	Turns              int       `json:"turns"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toStatusJSON(st conversation.Status) statusJSON {
	return statusJSON{
		SessionID:          st.SessionID,
		PersonaID:          string(st.PersonaID),
		PersonaName:        st.PersonaName,
		EmotionLevel:       st.EmotionLevel,
		EmotionDescription: st.EmotionDescription,
		Turns:              st.Turns,
		CreatedAt:          st.CreatedAt,
		UpdatedAt:          st.UpdatedAt,
	}
}

type personaJSON struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	SpeechStyle string   `json:"speech_style"`
	Traits      []string `json:"traits"`
	EmotionMin  int      `json:"emotion_min"`
	EmotionMax  int      `json:"emotion_max"`
	BaseLevel   int      `json:"base_level"`
}

func toPersonaJSON(p persona.Persona) personaJSON {
	return personaJSON{
		ID:          string(p.ID),
		DisplayName: p.DisplayName,
		Description: p.Tone.Description,
		SpeechStyle: p.Tone.SpeechStyle,
		Traits:      p.Tone.Traits,
		EmotionMin:  p.EmotionRange.Min,
		EmotionMax:  p.EmotionRange.Max,
		BaseLevel:   p.BaseLevel,
	}
}

type personasResponse struct {
	Personas []personaJSON `json:"personas"`
}

type turnJSON struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type historyResponse struct {
	SessionID string     `json:"session_id"`
	History   []turnJSON `json:"history"`
}

type endResponse struct {
	SessionID string `json:"session_id"`
	Ended     bool   `json:"ended"`
}

type recordJSON struct {
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	PersonaID    string    `json:"persona_id"`
	EmotionLevel int       `json:"emotion_level"`
}

type searchResponse struct {
	Results []recordJSON `json:"results"`
}

func toRecordsJSON(recs []session.Record) []recordJSON {
	out := make([]recordJSON, len(recs))
	for i, rec := range recs {
		out[i] = recordJSON{
			SessionID:    rec.SessionID,
			Role:         string(rec.Turn.Role),
			Text:         rec.Turn.Text,
			Timestamp:    rec.Turn.Timestamp,
			PersonaID:    rec.PersonaID,
			EmotionLevel: rec.EmotionLevel,
		}
	}
	return out
}

type memoriesResponse struct {
	SessionID string       `json:"session_id"`
	Memories  []recordJSON `json:"memories"`
}

type summaryResponse struct {
	SessionID    string         `json:"session_id"`
	Days         int            `json:"days"`
	Total        int            `json:"total_messages"`
	User         int            `json:"user_messages"`
	Assistant    int            `json:"assistant_messages"`
	ActiveDays   int            `json:"active_days"`
	PerDay       float64        `json:"average_messages_per_day"`
	First        *time.Time     `json:"first_message_at,omitempty"`
	Last         *time.Time     `json:"last_message_at,omitempty"`
	PersonaUsage map[string]int `json:"persona_usage"`
	PeakLevel    int            `json:"peak_emotion_level"`
}

func toSummaryResponse(id string, days int, sum session.Summary) summaryResponse {
	out := summaryResponse{
		SessionID:    id,
		Days:         days,
		Total:        sum.Total,
		User:         sum.User,
		Assistant:    sum.Assistant,
		ActiveDays:   sum.ActiveDays,
		PersonaUsage: sum.PersonaUsage,
		PeakLevel:    sum.PeakLevel,
	}
	if sum.ActiveDays > 0 {
		out.PerDay = float64(sum.Total) / float64(sum.ActiveDays)
	}
	if sum.Total > 0 {
		out.First, out.Last = &sum.First, &sum.Last
	}
	if out.PersonaUsage == nil {
		out.PersonaUsage = map[string]int{}
	}
	return out
}

type llmTestResponse struct {
	Reply string `json:"reply"`
}

// WebSocket frame types.
const (
	frameConnected   = "connected"
	frameUserMessage = "user_message"
	frameTypingStart = "typing_start"
	frameAIResponse  = "ai_response"
	frameTypingEnd   = "typing_end"
	frameError       = "error"
)

// clientFrame is a message received from a WebSocket client.
type clientFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	PersonaID string `json:"persona_id"`
}

type connectedFrame struct {
	Type string `json:"type"`
	statusJSON
}

type typingFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type responseFrame struct {
	Type string `json:"type"`
	replyJSON
}

type errorFrame struct {
	Type string `json:"type"`
	errorJSON
}
