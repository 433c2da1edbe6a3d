// Package msgcat renders user-facing messages from YAML templates.
package msgcat

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	yaml "gopkg.in/yaml.v3"
)

//go:embed messages.en.yaml
var defaultFiles embed.FS

// Catalog holds flattened dot-keys ("errors.RoomFull") and their parsed templates.
// Missing template fields are errors at render time.
type Catalog struct {
	mu   sync.RWMutex
	text map[string]string
	tpl  map[string]*template.Template
}

// New loads the embedded messages, then overrides from dir when non-empty.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{text: make(map[string]string), tpl: make(map[string]*template.Template)}

	raw, err := defaultFiles.ReadFile("messages.en.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded messages: %w", err)
	}
	flat, err := flatten(raw)
	if err != nil {
		return nil, fmt.Errorf("parse embedded messages: %w", err)
	}
	c.merge(flat)

	if dir := strings.TrimSpace(overrideDir); dir != "" {
		overrides, err := loadDir(dir)
		if err != nil {
			return nil, err
		}
		c.merge(overrides)
	}
	return c, nil
}

func (c *Catalog) merge(flat map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range flat {
		c.text[k] = v
		delete(c.tpl, k)
	}
}

// loadDir reads *.yaml / *.yml in name order. 파일 간 같은 키는 에러.
func loadDir(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}
	sort.Strings(names)

	out := make(map[string]string)
	owner := make(map[string]string)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		flat, err := flatten(b)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for k, v := range flat {
			if prev, dup := owner[k]; dup {
				return nil, fmt.Errorf("duplicate override key %q in %s and %s", k, prev, name)
			}
			owner[k] = name
			out[k] = v
		}
	}
	return out, nil
}

func flatten(b []byte) (map[string]string, error) {
	var root map[string]any
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if err := walk(root, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(node any, prefix string, out map[string]string) error {
	switch v := node.(type) {
	case nil:
		return nil
	case string:
		if prefix == "" {
			return errors.New("top-level string without key")
		}
		out[prefix] = v
		return nil
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if err := walk(child, key, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value at %s: %T", prefix, v)
	}
}

func (c *Catalog) lookup(key string) (*template.Template, error) {
	c.mu.RLock()
	t, ok := c.tpl[key]
	text, known := c.text[key]
	c.mu.RUnlock()
	if ok {
		return t, nil
	}
	if !known || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("template not found: %s", key)
	}
	t, err := template.New(key).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", key, err)
	}
	c.mu.Lock()
	c.tpl[key] = t
	c.mu.Unlock()
	return t, nil
}

// Render executes the template stored under key.
func (c *Catalog) Render(key string, data any) (string, error) {
	t, err := c.lookup(strings.TrimSpace(key))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// ErrorMessage renders errors.<code>; detail를 그대로 돌려주는 것이 fallback.
func (c *Catalog) ErrorMessage(code, detail string) string {
	if c == nil {
		return detail
	}
	msg, err := c.Render("errors."+code, map[string]any{"Detail": detail})
	if err != nil || strings.TrimSpace(msg) == "" {
		if detail != "" {
			return detail
		}
		return code
	}
	return msg
}
