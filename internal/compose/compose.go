// Package compose renders a scan order into an outbound email.
package compose

import (
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/scan-intake/internal/email"
	"github.com/shineum/scan-intake/internal/scan"
)

const (
	subjectPrefix   = "Novo Scan - "
	fallbackPatient = "Paciente"
)

var bodyTemplate = template.Must(template.New("order").Funcs(template.FuncMap{
	"join": func(items []string) string { return strings.Join(items, ", ") },
}).Parse(orderHTML))

const orderHTML = `<h2>Novo envio - Formulário de Escaneamento</h2>
<ul>
<li><strong>Cirurgião:</strong> {{.Order.SurgeonName}}</li>
<li><strong>Paciente:</strong> {{.Order.PatientName}}</li>
<li><strong>Tipo de escaneamento:</strong> {{.Order.ScanType}}</li>
<li><strong>Conexão:</strong> {{.Order.ConnectionType}}</li>
<li><strong>Implante / Observações:</strong> {{.Order.ImplantNotes}}</li>
<li><strong>Dentes:</strong> {{join .Order.Teeth}}</li>
<li><strong>Cores:</strong> {{join .Order.Shades}}</li>
<li><strong>Link do escaneamento:</strong> {{with .Order.ScanLink}}<a href="{{.}}">{{.}}</a>{{end}}</li>
</ul>
{{- with .Order.Comments}}
<h3>Comentários</h3>
<p style="white-space: pre-wrap">{{.}}</p>
{{- end}}
{{- if .Attachments}}
<h3>Anexos ({{len .Attachments}})</h3>
<ul>
{{- range .Attachments}}
<li>{{.Filename}} ({{.ContentType}})</li>
{{- end}}
</ul>
{{- end}}
`

// Compose builds the outbound message for order. User-supplied text is
// HTML-escaped; the text body is derived from the HTML body.
func Compose(order scan.Order, attachments []email.Attachment, from, to string) *email.Email {
	htmlBody := renderHTML(order, attachments)

	return &email.Email{
		From:        from,
		To:          []string{to},
		Subject:     Subject(order),
		HtmlBody:    htmlBody,
		TextBody:    PlainText(htmlBody),
		Attachments: attachments,
		MessageID:   NewMessageID(from),
	}
}

// Subject embeds the patient's name, falling back to a generic label.
func Subject(order scan.Order) string {
	name := order.PatientName()
	if name == "" {
		name = fallbackPatient
	}
	return subjectPrefix + name
}

// NewMessageID returns a unique Message-ID in the sender's domain.
func NewMessageID(from string) string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), email.Domain(from))
}

func renderHTML(order scan.Order, attachments []email.Attachment) string {
	var b strings.Builder
	data := struct {
		Order       scan.Order
		Attachments []email.Attachment
	}{order, attachments}

	if err := bodyTemplate.Execute(&b, data); err != nil {
		slog.Error("failed to render order template", "error", err)
		b.Reset()
		b.WriteString("<p>")
		b.WriteString(template.HTMLEscapeString(Subject(order)))
		b.WriteString("</p>")
	}
	return b.String()
}
