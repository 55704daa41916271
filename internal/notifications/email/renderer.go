package email

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"boommelding/internal/types"
)

//go:embed templates/notification.txt
var templateFS embed.FS

// Placeholder is rendered for fields the feature does not carry.
const Placeholder = "n.v.t."

// NotificationFields are the attributes listed in every notification, in
// order.
var NotificationFields = []string{
	"Id",
	"Stadsdeel",
	"Buurt",
	"Wijk",
	"Beheergebieden",
	"Boom_nummer",
	"Boomsoort_Nederlands",
	"Boomsoort_Wetenschappelijk",
	"Stamdiameterklasse",
	"Beheertype",
	"Boom_leeftijdsklasse",
	"Leeftijd",
	"Snoei_vorm",
	"Vormsnoei_jaar",
	"Boombeeld",
}

// Message is a rendered notification ready for a mail backend.
type Message struct {
	Subject  string
	BodyText string
}

type fieldLine struct {
	Name  string
	Value string
}

type templateData struct {
	Classification string
	Fields         []fieldLine
}

// lineBreaks flattens values so each field stays on one line.
var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Renderer renders notification messages from the embedded plain-text
// template. It is safe for concurrent use.
type Renderer struct {
	body *template.Template
}

// NewRenderer parses the embedded template.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/notification.txt")
	if err != nil {
		return nil, fmt.Errorf("email renderer: failed to parse template: %w", err)
	}
	return &Renderer{body: tmpl}, nil
}

// Render builds the subject and body for a matching feature. The body is
// the header line, a blank line, and one "<field>: <value>" line for each
// of NotificationFields.
func (r *Renderer) Render(classification string, attrs types.Feature) (Message, error) {
	classification = lineBreaks.Replace(classification)

	data := templateData{
		Classification: classification,
		Fields:         make([]fieldLine, 0, len(NotificationFields)),
	}
	for _, name := range NotificationFields {
		value, ok := attrs.Lookup(name)
		if !ok {
			value = Placeholder
		}
		data.Fields = append(data.Fields, fieldLine{Name: name, Value: lineBreaks.Replace(value)})
	}

	var buf bytes.Buffer
	if err := r.body.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("email renderer: failed to execute template: %w", err)
	}

	return Message{
		Subject:  "Nieuwe melding: " + classification,
		BodyText: strings.TrimSuffix(buf.String(), "\n"),
	}, nil
}
