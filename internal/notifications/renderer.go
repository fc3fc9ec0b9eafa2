// Package notifications renders and sends CareIntake transactional email
// and reports pipeline failures to operators.
package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	texttemplate "text/template"
	"time"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// Kind names a transactional email.
type Kind string

const (
	KindWelcomePaid         Kind = "welcome_paid"
	KindWelcomeFree         Kind = "welcome_free"
	KindConsultationSummary Kind = "consultation_summary"
)

var subjects = map[Kind]string{
	KindWelcomePaid:         "Welcome to %s",
	KindWelcomeFree:         "Welcome to %s",
	KindConsultationSummary: "Your %s consultation summary",
}

// RenderedEmail holds pre-rendered content ready for a provider.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
	BodyText string
}

// TemplateData is the input to every template. Unused fields are ignored.
type TemplateData struct {
	Recipient string
	FirstName string
	ExpiresAt *time.Time
	// Document is the pre-rendered consultation summary. It is trusted HTML.
	Document template.HTML
}

// view is what the templates see.
type view struct {
	TemplateData
	Subject     string
	ProductName string
	ActionURL   string
	ExpiresOn   string
	Locale      string
}

// RendererConfig holds the parameters needed to construct a Renderer.
type RendererConfig struct {
	ProductName string
	// PublicURL is the base for links, e.g. https://intake.example.com.
	PublicURL string
	Locale    string
}

// Renderer renders the embedded templates. It is safe for concurrent use.
type Renderer struct {
	html map[Kind]*template.Template
	text map[Kind]*texttemplate.Template
	cfg  RendererConfig
}

// NewRenderer parses every embedded template and fails on the first error.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	if cfg.ProductName == "" {
		cfg.ProductName = "CareIntake"
	}
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}

	base, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("renderer: read base.html: %w", err)
	}

	r := &Renderer{
		html: make(map[Kind]*template.Template),
		text: make(map[Kind]*texttemplate.Template),
		cfg:  cfg,
	}
	for kind := range subjects {
		name := string(kind)

		htmlTmpl, err := template.New("base").Parse(string(base))
		if err != nil {
			return nil, fmt.Errorf("renderer: parse base.html: %w", err)
		}
		if _, err := htmlTmpl.ParseFS(templateFS, "templates/"+name+".html"); err != nil {
			return nil, fmt.Errorf("renderer: parse %s.html: %w", name, err)
		}
		r.html[kind] = htmlTmpl

		txt, err := templateFS.ReadFile("templates/" + name + ".txt")
		if err != nil {
			return nil, fmt.Errorf("renderer: read %s.txt: %w", name, err)
		}
		txtTmpl, err := texttemplate.New(name).Parse(string(txt))
		if err != nil {
			return nil, fmt.Errorf("renderer: parse %s.txt: %w", name, err)
		}
		r.text[kind] = txtTmpl
	}
	return r, nil
}

// Render produces subject, HTML and text bodies for kind.
func (r *Renderer) Render(kind Kind, data TemplateData) (*RenderedEmail, error) {
	htmlTmpl, ok := r.html[kind]
	if !ok {
		return nil, fmt.Errorf("renderer: unknown email kind %q", kind)
	}

	v := view{
		TemplateData: data,
		Subject:      fmt.Sprintf(subjects[kind], r.cfg.ProductName),
		ProductName:  r.cfg.ProductName,
		ActionURL:    r.actionURL(kind),
		Locale:       r.cfg.Locale,
	}
	if data.ExpiresAt != nil {
		v.ExpiresOn = data.ExpiresAt.UTC().Format("2 January 2006")
	}

	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, v); err != nil {
		return nil, fmt.Errorf("renderer: render %s html: %w", kind, err)
	}
	var txtBuf bytes.Buffer
	if err := r.text[kind].Execute(&txtBuf, v); err != nil {
		return nil, fmt.Errorf("renderer: render %s text: %w", kind, err)
	}

	return &RenderedEmail{Subject: v.Subject, BodyHTML: htmlBuf.String(), BodyText: txtBuf.String()}, nil
}

func (r *Renderer) actionURL(kind Kind) string {
	if kind == KindConsultationSummary {
		return r.cfg.PublicURL + "/documents"
	}
	return r.cfg.PublicURL + "/questionnaire"
}
