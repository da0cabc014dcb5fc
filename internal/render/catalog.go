// Package render turns a template id, variables and a locale into the
// title and body a provider sends.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"go.yaml.in/yaml/v3"
)

var ErrNotFound = errors.New("template not found")

// DigestTemplate renders batch summaries.
const DigestTemplate = "digest"

type Rendered struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type Renderer interface {
	Render(ctx context.Context, templateID string, vars map[string]string, locale string) (Rendered, error)
}

type entry struct {
	title *template.Template
	body  *template.Template
}

// Catalog is an in-memory Renderer. Lookups fall back from the requested
// locale to the default locale, and from "kind.variant" ids to "kind".
type Catalog struct {
	mu            sync.RWMutex
	defaultLocale string
	entries       map[string]map[string]entry // id -> locale -> entry
}

var _ Renderer = (*Catalog)(nil)

func NewCatalog(defaultLocale string) *Catalog {
	if defaultLocale == "" {
		defaultLocale = "en"
	}
	c := &Catalog{defaultLocale: normLocale(defaultLocale), entries: map[string]map[string]entry{}}
	for id, t := range builtins {
		if err := c.Add(id, "en", t[0], t[1]); err != nil {
			panic(fmt.Sprintf("render: builtin %s: %v", id, err))
		}
	}
	return c
}

// Add registers or replaces one localized template.
func (c *Catalog) Add(id, locale, title, body string) error {
	id, locale = strings.TrimSpace(id), normLocale(locale)
	if id == "" || locale == "" {
		return fmt.Errorf("render: template id and locale are required")
	}
	tt, err := parse(id+".title", title)
	if err != nil {
		return err
	}
	bt, err := parse(id+".body", body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[id] == nil {
		c.entries[id] = map[string]entry{}
	}
	c.entries[id][locale] = entry{title: tt, body: bt}
	return nil
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("render: parse %s: %w", name, err)
	}
	return t, nil
}

// LoadDir loads every *.yaml / *.yml file in dir. The file name is the
// template id; the document maps locale to {title, body}.
//
//	en:
//	  title: "{{.actor}} liked your post"
//	  body: "..."
func (c *Catalog) LoadDir(dir string) (int, error) {
	if strings.TrimSpace(dir) == "" {
		return 0, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, de := range ents {
		ext := filepath.Ext(de.Name())
		if de.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			return n, err
		}
		var doc map[string]struct {
			Title string `yaml:"title"`
			Body  string `yaml:"body"`
		}
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return n, fmt.Errorf("render: %s: %w", de.Name(), err)
		}
		id := strings.TrimSuffix(de.Name(), ext)
		for locale, t := range doc {
			if err := c.Add(id, locale, t.Title, t.Body); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (c *Catalog) Render(_ context.Context, templateID string, vars map[string]string, locale string) (Rendered, error) {
	e, ok := c.lookup(templateID, normLocale(locale))
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrNotFound, templateID)
	}
	var title, body strings.Builder
	if vars == nil {
		vars = map[string]string{}
	}
	if err := e.title.Execute(&title, vars); err != nil {
		return Rendered{}, fmt.Errorf("render %s title: %w", templateID, err)
	}
	if err := e.body.Execute(&body, vars); err != nil {
		return Rendered{}, fmt.Errorf("render %s body: %w", templateID, err)
	}
	data := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		data[k] = v
	}
	data["template_id"] = templateID
	return Rendered{Title: title.String(), Body: body.String(), Data: data}, nil
}

func (c *Catalog) lookup(id, locale string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := []string{id}
	if kind, _, ok := strings.Cut(id, "."); ok {
		ids = append(ids, kind)
	}
	for _, id := range ids {
		byLocale := c.entries[id]
		if byLocale == nil {
			continue
		}
		if e, ok := byLocale[locale]; ok {
			return e, true
		}
		if base, _, ok := strings.Cut(locale, "-"); ok {
			if e, ok := byLocale[base]; ok {
				return e, true
			}
		}
		if e, ok := byLocale[c.defaultLocale]; ok {
			return e, true
		}
	}
	return entry{}, false
}

func normLocale(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-"))
}

var builtins = map[string][2]string{
	"like":    {"New like", "{{.actor}} liked your {{or .object \"post\"}}"},
	"comment": {"New comment", "{{.actor}} commented: {{.text}}"},
	"follow":  {"New follower", "{{.actor}} started following you"},
	"mention": {"You were mentioned", "{{.actor}} mentioned you: {{.text}}"},
	"system":  {"{{or .title \"Notice\"}}", "{{.text}}"},
	DigestTemplate: {
		"{{.count}} new {{.kind}} notifications",
		"{{if .summary}}{{.summary}}{{else}}You have {{.count}} new {{.kind}} notifications{{end}}",
	},
}
