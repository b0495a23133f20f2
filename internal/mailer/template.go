package mailer

import (
	"bytes"
	"fmt"
	htmlTemplate "html/template"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"
)

// Template renders a newsletter body from per-recipient data
type Template interface {
	Execute(data map[string]any) (string, error)
}

// Registry maps template keys to parsed templates. Files ending in .liquid
// use Liquid syntax; everything else is parsed as html/template.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
	liquid    *liquid.Engine
	logger    *slog.Logger
}

// Raw HTML in markdown is escaped since WithUnsafe is not set
var markdownRenderer = goldmark.New(
	goldmark.WithRendererOptions(
		goldmarkHTML.WithHardWraps(),
	),
)

// Markdown converts markdown text to HTML, escaping the input on failure
func Markdown(md string) string {
	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(md), &buf); err != nil {
		return htmlTemplate.HTMLEscapeString(md)
	}
	return buf.String()
}

var templateFuncs = htmlTemplate.FuncMap{
	"markdown": func(md string) htmlTemplate.HTML {
		return htmlTemplate.HTML(Markdown(md))
	},
	"truncate": truncate,
}

// NewRegistry creates a registry holding the built-in default template
func NewRegistry(logger *slog.Logger) *Registry {
	engine := liquid.NewEngine()
	engine.RegisterFilter("markdown", Markdown)
	engine.RegisterFilter("truncate_words", func(s string, n int) string {
		return truncate(n, s)
	})

	r := &Registry{
		templates: make(map[string]Template),
		liquid:    engine,
		logger:    logger.With("component", "templates"),
	}
	if err := r.AddHTML(DefaultTemplateKey, defaultTemplate); err != nil {
		panic(fmt.Sprintf("built-in template: %v", err))
	}
	return r
}

// AddHTML parses and registers an html/template under key
func (r *Registry) AddHTML(key, source string) error {
	t, err := htmlTemplate.New(key).Funcs(templateFuncs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return fmt.Errorf("invalid template %s: %w", key, err)
	}
	r.add(key, &htmlTmpl{t: t})
	return nil
}

// AddLiquid parses and registers a Liquid template under key
func (r *Registry) AddLiquid(key, source string) error {
	t, err := r.liquid.ParseString(source)
	if err != nil {
		return fmt.Errorf("invalid template %s: %w", key, err)
	}
	r.add(key, &liquidTmpl{t: t})
	return nil
}

func (r *Registry) add(key string, t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[key] = t
}

// LoadDir registers every *.html, *.tmpl and *.liquid file in dir, keyed by
// file name without extension. Files override built-in templates.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read templates directory: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		key := strings.TrimSuffix(name, ext)

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		switch ext {
		case ".liquid":
			err = r.AddLiquid(key, string(data))
		case ".html", ".tmpl":
			err = r.AddHTML(key, string(data))
		default:
			continue
		}
		if err != nil {
			return loaded, err
		}
		r.logger.Debug("template loaded", "key", key, "file", name)
		loaded++
	}
	return loaded, nil
}

// Has reports whether a template is registered under key
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[key]
	return ok
}

// Keys returns registered template keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.templates))
	for k := range r.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render executes the template registered under key. An empty key selects
// the default template.
func (r *Registry) Render(key string, data map[string]any) (string, error) {
	if key == "" {
		key = DefaultTemplateKey
	}

	r.mu.RLock()
	t, ok := r.templates[key]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
	}

	out, err := t.Execute(data)
	if err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", key, err)
	}
	return out, nil
}

type htmlTmpl struct {
	t *htmlTemplate.Template
}

func (h *htmlTmpl) Execute(data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := h.t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type liquidTmpl struct {
	t *liquid.Template
}

func (l *liquidTmpl) Execute(data map[string]any) (string, error) {
	out, err := l.t.RenderString(data)
	if err != nil {
		return "", err
	}
	return out, nil
}

// truncate shortens s to at most n words
func truncate(n int, s string) string {
	words := strings.Fields(s)
	if n <= 0 || len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ") + "…"
}

// DefaultTemplateKey names the built-in newsletter template
const DefaultTemplateKey = "default"

const defaultTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.subject}}</title></head>
<body style="font-family: sans-serif; max-width: 640px; margin: 0 auto;">
<h1>{{.app_name}}</h1>
<p>Hello{{with .subscriber.name}} {{.}}{{end}},</p>
{{if .articles}}
<p>Here is what's new:</p>
{{range .articles}}
<div style="margin-bottom: 1.5em;">
  <h2 style="font-size: 1.2em;"><a href="{{.url}}">{{.title}}</a></h2>
  {{with .summary}}{{markdown .}}{{end}}
</div>
{{end}}
{{else}}
<p>Nothing new this time. Thanks for reading.</p>
{{end}}
<hr>
<p style="font-size: 0.8em; color: #666;">
  Sent on {{.current_date}} to {{.subscriber.email}}.
  <a href="{{.unsubscribe_url}}">Unsubscribe</a>
</p>
</body>
</html>
`
