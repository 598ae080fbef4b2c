package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey lists files merged underneath the file that names them.
const includeKey = "$include"

// envOverrides maps HUDDLE_* variables onto single config keys. They win
// over every file so a shared config can be pointed at another backend or
// identity from the shell.
var envOverrides = []struct {
	env  string
	path []string
}{
	{"HUDDLE_BASE_URL", []string{"server", "base_url"}},
	{"HUDDLE_WS_URL", []string{"server", "ws_url"}},
	{"HUDDLE_TOKEN", []string{"auth", "token"}},
	{"HUDDLE_REFRESH_TOKEN", []string{"auth", "refresh_token"}},
	{"HUDDLE_USER_ID", []string{"identity", "user_id"}},
	{"HUDDLE_WORKSPACE_ID", []string{"identity", "workspace_id"}},
	{"HUDDLE_LOG_LEVEL", []string{"logging", "level"}},
}

// LoadRaw reads the config at path into one raw map: the $include tree is
// merged (the including file wins), HUDDLE_* overrides are applied and
// debounce windows written as durations become milliseconds. ${VAR} and
// ${VAR:-default} references are expanded before parsing.
func LoadRaw(path string) (map[string]any, error) {
	raw, _, err := loadTree(path)
	return raw, err
}

// loadTree is LoadRaw that also returns every file it read.
func loadTree(path string) (map[string]any, []string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("config path is required")
	}
	l := &treeLoader{}
	raw, err := l.load(path)
	if err != nil {
		return nil, l.files, err
	}
	for _, o := range envOverrides {
		if value := strings.TrimSpace(os.Getenv(o.env)); value != "" {
			setPath(raw, o.path, value)
		}
	}
	if err := normalizeDebounce(raw); err != nil {
		return nil, l.files, err
	}
	return raw, l.files, nil
}

type treeLoader struct {
	chain []string
	files []string
}

func (l *treeLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(l.chain, abs) {
		return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(l.chain, abs), " -> "))
	}
	l.chain = append(l.chain, abs)
	defer func() { l.chain = l.chain[:len(l.chain)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if !slices.Contains(l.files, abs) {
		l.files = append(l.files, abs)
	}
	doc, err := parseDocument([]byte(expandEnv(string(data))), abs)
	if err != nil {
		return nil, err
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		overlay(merged, sub)
	}
	overlay(merged, doc)
	return merged, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnv substitutes braced references only, so keys such as $include
// survive.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		match := envRef.FindStringSubmatch(ref)
		if value, ok := os.LookupEnv(match[1]); ok && value != "" {
			return value
		}
		return strings.TrimPrefix(match[2], ":-")
	})
}

// parseDocument decodes one config file. .json and .json5 files are JSON5,
// everything else is a single YAML document.
func parseDocument(data []byte, path string) (map[string]any, error) {
	name := filepath.Base(path)
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: more than one YAML document", name)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the $include entry from doc and returns its paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var paths []string
	switch typed := value.(type) {
	case nil:
	case string:
		paths = append(paths, typed)
	case []any:
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, entry)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
	return slices.DeleteFunc(paths, func(p string) bool { return strings.TrimSpace(p) == "" }), nil
}

// overlay merges src into dst; nested sections merge key by key and
// everything else is replaced.
func overlay(dst, src map[string]any) {
	for key, value := range src {
		sub, isMap := value.(map[string]any)
		existing, hasMap := dst[key].(map[string]any)
		if isMap && hasMap {
			overlay(existing, sub)
			continue
		}
		dst[key] = value
	}
}

func setPath(raw map[string]any, path []string, value any) {
	node := raw
	for _, key := range path[:len(path)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[key] = next
		}
		node = next
	}
	node[path[len(path)-1]] = value
}

// normalizeDebounce accepts durations such as "250ms" wherever
// realtime.debounce expects milliseconds.
func normalizeDebounce(raw map[string]any) error {
	realtime, _ := raw["realtime"].(map[string]any)
	section, _ := realtime["debounce"].(map[string]any)
	if section == nil {
		return nil
	}
	if err := durationToMillis(section, "debounce_ms", "realtime.debounce.debounce_ms"); err != nil {
		return err
	}
	windows, _ := section["by_window"].(map[string]any)
	for name := range windows {
		if err := durationToMillis(windows, name, "realtime.debounce.by_window."+name); err != nil {
			return err
		}
	}
	return nil
}

func durationToMillis(m map[string]any, key, field string) error {
	s, ok := m[key].(string)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%s: %q is neither milliseconds nor a duration", field, s)
	}
	m[key] = int(d / time.Millisecond)
	return nil
}

// decode converts the merged map into Config, rejecting unknown keys.
func decode(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
