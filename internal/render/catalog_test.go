package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCatalogRender(t *testing.T) {
	t.Parallel()
	c := NewCatalog("en")
	if err := c.Add("like.post", "es", "Nuevo me gusta", "A {{.actor}} le gustó tu publicación"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tests := []struct {
		name      string
		id        string
		locale    string
		vars      map[string]string
		wantTitle string
		wantBody  string
	}{
		{"exact locale", "like.post", "es", map[string]string{"actor": "ana"}, "Nuevo me gusta", "A ana le gustó tu publicación"},
		{"region falls back to language", "like.post", "es_MX", map[string]string{"actor": "ana"}, "Nuevo me gusta", "A ana le gustó tu publicación"},
		{"variant falls back to kind", "like.post", "fr", map[string]string{"actor": "bo"}, "New like", "bo liked your post"},
		{"missing vars render empty", "comment", "", nil, "New comment", " commented: "},
		{"digest", DigestTemplate, "en", map[string]string{"count": "3", "kind": "like"}, "3 new like notifications", "You have 3 new like notifications"},
		{"digest summary", DigestTemplate, "en", map[string]string{"count": "2", "kind": "follow", "summary": "ana and bo followed you"}, "2 new follow notifications", "ana and bo followed you"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.Render(context.Background(), tc.id, tc.vars, tc.locale)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got.Title != tc.wantTitle || got.Body != tc.wantBody {
				t.Fatalf("Render = %q / %q, want %q / %q", got.Title, got.Body, tc.wantTitle, tc.wantBody)
			}
			if got.Data["template_id"] != tc.id {
				t.Fatalf("Data = %v", got.Data)
			}
		})
	}
}

func TestCatalogNotFound(t *testing.T) {
	t.Parallel()
	_, err := NewCatalog("").Render(context.Background(), "nope.x", nil, "en")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCatalogAddRejectsBadTemplate(t *testing.T) {
	t.Parallel()
	if err := NewCatalog("en").Add("x", "en", "{{.a", "b"); err == nil {
		t.Fatal("Add accepted an unterminated action")
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := "en:\n  title: \"Badge earned\"\n  body: \"{{.badge}} unlocked\"\nde:\n  title: \"Abzeichen\"\n  body: \"{{.badge}} freigeschaltet\"\n"
	if err := os.WriteFile(filepath.Join(dir, "badge.yaml"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewCatalog("en")
	n, err := c.LoadDir(dir)
	if err != nil || n != 2 {
		t.Fatalf("LoadDir = %d, %v; want 2, nil", n, err)
	}
	got, err := c.Render(context.Background(), "badge", map[string]string{"badge": "streak"}, "de")
	if err != nil || got.Body != "streak freigeschaltet" {
		t.Fatalf("Render = %+v, %v", got, err)
	}

	if n, err := c.LoadDir(filepath.Join(dir, "missing")); err != nil || n != 0 {
		t.Fatalf("LoadDir(missing) = %d, %v", n, err)
	}
}
