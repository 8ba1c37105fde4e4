package persona

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/MrWong99/companion/internal/emotion"
)

const systemPromptTemplate = `You are {{.Persona.DisplayName}}, the user's devoted AI companion.

Current persona: {{.Persona.DisplayName}}
Description: {{.Persona.Tone.Description}}
Speech style: {{.Persona.Tone.SpeechStyle}}
Emotion level: {{.Level}}/{{.MaxLevel}} ({{.LevelDescription}})
{{- if .Persona.Tone.Traits}}
Traits: {{join .Persona.Tone.Traits ", "}}
{{- end}}
{{- if .Persona.Tone.Keywords}}
Keywords: {{join .Persona.Tone.Keywords ", "}}
{{- end}}
{{- if .Persona.Tone.Rules}}

Rules:
{{- range $i, $r := .Persona.Tone.Rules}}
{{inc $i}}. {{$r}}
{{- end}}
{{- end}}
`

var promptTmpl = template.Must(template.New("systemPrompt").Funcs(template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}).Parse(systemPromptTemplate))

type promptData struct {
	Persona          Persona
	Level            int
	MaxLevel         int
	LevelDescription string
}

// Prompt renders the system prompt for p at the given emotion level.
func Prompt(p Persona, level int) (string, error) {
	var buf bytes.Buffer
	err := promptTmpl.Execute(&buf, promptData{
		Persona:          p,
		Level:            level,
		MaxLevel:         emotion.MaxLevel,
		LevelDescription: emotion.Describe(level),
	})
	if err != nil {
		return "", fmt.Errorf("persona: render prompt for %q: %w", p.ID, err)
	}
	return buf.String(), nil
}
