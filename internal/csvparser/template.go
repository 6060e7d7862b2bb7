package csvparser

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// Templates renders subject and body for rows that do not carry their own.
// Columns are addressed as {{.FirstName}}; unknown columns render empty.
type Templates struct {
	subject *texttemplate.Template
	body    *htmltemplate.Template
}

func NewTemplates(subject, body string) (*Templates, error) {
	t := &Templates{}
	if subject != "" {
		tmpl, err := texttemplate.New("subject").Option("missingkey=zero").Parse(subject)
		if err != nil {
			return nil, fmt.Errorf("subject template parse error: %w", err)
		}
		t.subject = tmpl
	}
	if body != "" {
		tmpl, err := htmltemplate.New("body").Option("missingkey=zero").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("body template parse error: %w", err)
		}
		t.body = tmpl
	}
	return t, nil
}

// Render fills row.Subject and row.Body from the templates when empty.
func (t *Templates) Render(row *TaskRow) error {
	data := make(map[string]string, len(row.Fields))
	for k, v := range row.Fields {
		data[k] = v
	}

	if row.Subject == "" && t.subject != nil {
		var buf bytes.Buffer
		if err := t.subject.Execute(&buf, data); err != nil {
			return fmt.Errorf("subject template execution error: %w", err)
		}
		row.Subject = buf.String()
	}
	if row.Body == "" && t.body != nil {
		var buf bytes.Buffer
		if err := t.body.Execute(&buf, data); err != nil {
			return fmt.Errorf("body template execution error: %w", err)
		}
		row.Body = buf.String()
	}
	return nil
}
