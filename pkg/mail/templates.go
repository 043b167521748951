package mail

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"
)

// ErrUnknownTemplate is returned when a request names a template that is not loaded.
var ErrUnknownTemplate = errors.New("unknown template")

//go:embed templates/*.html templates/*.txt
var builtinTemplates embed.FS

type templatePair struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

// TemplateRenderer renders named templates. A template is a pair of files
// <name>.html and/or <name>.txt; either half may be absent.
type TemplateRenderer struct {
	templates map[string]*templatePair
}

// NewTemplateRenderer loads the built-in templates and then every template in
// dir, which override built-ins of the same name. dir may be empty.
func NewTemplateRenderer(dir string) (*TemplateRenderer, error) {
	r := &TemplateRenderer{templates: map[string]*templatePair{}}

	sub, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		return nil, err
	}
	if err := r.load(sub); err != nil {
		return nil, fmt.Errorf("loading built-in templates: %w", err)
	}
	if dir != "" {
		if err := r.load(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("loading templates from %s: %w", dir, err)
		}
	}
	return r, nil
}

func (r *TemplateRenderer) load(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := path.Ext(e.Name())
		if ext != ".html" && ext != ".txt" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		raw, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return err
		}

		pair, ok := r.templates[name]
		if !ok {
			pair = &templatePair{}
			r.templates[name] = pair
		}
		switch ext {
		case ".html":
			t, err := htmltemplate.New(name).Funcs(sprig.FuncMap()).Option("missingkey=zero").Parse(string(raw))
			if err != nil {
				return fmt.Errorf("parsing %s: %w", e.Name(), err)
			}
			pair.html = t
		case ".txt":
			t, err := texttemplate.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(string(raw))
			if err != nil {
				return fmt.Errorf("parsing %s: %w", e.Name(), err)
			}
			pair.text = t
		}
	}
	return nil
}

// Names lists the loaded template names in sorted order.
func (r *TemplateRenderer) Names() []string {
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *TemplateRenderer) Has(name string) bool {
	_, ok := r.templates[name]
	return ok
}

// Render executes both halves of the named template with data.
func (r *TemplateRenderer) Render(name string, data map[string]any) (html, text string, err error) {
	pair, ok := r.templates[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if pair.html != nil {
		var buf bytes.Buffer
		if err := pair.html.Execute(&buf, data); err != nil {
			return "", "", fmt.Errorf("rendering %s.html: %w", name, err)
		}
		html = buf.String()
	}
	if pair.text != nil {
		var buf bytes.Buffer
		if err := pair.text.Execute(&buf, data); err != nil {
			return "", "", fmt.Errorf("rendering %s.txt: %w", name, err)
		}
		text = buf.String()
	}
	return html, text, nil
}
