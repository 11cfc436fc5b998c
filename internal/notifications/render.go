package notifications

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/socialmonitor/mention-pipeline/internal/models"
)

const (
	subjectTemplate = `[{{upper .Severity}}] {{.Title}}`

	bodyTemplate = `{{.Title}}

{{.Message}}

Severity: {{.Severity}}
Mentions: {{len .MentionIDs}}
Triggered: {{.TriggeredAt.UTC.Format "2006-01-02 15:04:05 UTC"}}
Alert: {{.ID}}
`

	smsTemplate = `[{{upper .Severity}}] {{.Title}}: {{.Message}}`
)

const smsLimit = 160

var templateFuncs = template.FuncMap{
	"upper": func(s models.Severity) string { return strings.ToUpper(string(s)) },
}

var (
	subjectTmpl = template.Must(template.New("subject").Funcs(templateFuncs).Parse(subjectTemplate))
	bodyTmpl    = template.Must(template.New("body").Funcs(templateFuncs).Parse(bodyTemplate))
	smsTmpl     = template.Must(template.New("sms").Funcs(templateFuncs).Parse(smsTemplate))
)

func execute(t *template.Template, alert *models.Alert) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, alert); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// Render produces the subject and body of an alert for a channel.
func Render(alert *models.Alert, channel models.Channel) (string, string, error) {
	subject, err := execute(subjectTmpl, alert)
	if err != nil {
		return "", "", err
	}

	if channel == models.ChannelSMS {
		body, err := execute(smsTmpl, alert)
		if err != nil {
			return "", "", err
		}
		if r := []rune(body); len(r) > smsLimit {
			body = string(r[:smsLimit-3]) + "..."
		}
		return subject, body, nil
	}

	body, err := execute(bodyTmpl, alert)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}
