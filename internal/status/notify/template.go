package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Fleet Connection {{.EventLabel}}]
User: {{.Username}}
Source: {{.Source}}
Time: {{.Time}}
{{ if .Error }}Error: {{.Error}}
{{ end }}Suggestion: {{.Suggestion}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Event      string
	EventLabel string
	Username   string
	Source     string
	Error      string
	Time       string
	Version    uint64
	Suggestion string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("connection-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("connection template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
