package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is a two-layer YAML configuration: a read-only defaults file plus a
// user overrides file. User values win on read; writes go to the user file
// and persist immediately. Both files are re-read lazily when their
// modification time changes, so edits on disk show up without a restart.
type Config struct {
	defaultsPath string
	userPath     string

	mu    sync.Mutex
	cache map[string]*layer
}

type layer struct {
	data    map[string]any
	modTime time.Time
}

// New returns a Config reading defaults from defaultsPath and user overrides
// from userPath. Either file may be absent; a missing file is an empty layer.
func New(defaultsPath, userPath string) *Config {
	return &Config{
		defaultsPath: defaultsPath,
		userPath:     userPath,
		cache:        map[string]*layer{},
	}
}

// Get resolves a dot-separated path like "chat.history.limit". The user
// layer is consulted first, then defaults.
func (c *Config) Get(path string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range []string{c.userPath, c.defaultsPath} {
		if p == "" {
			continue
		}
		data, err := c.load(p)
		if err != nil {
			return nil, err
		}
		if v, ok := lookup(data, path); ok {
			return v, nil
		}
	}
	return nil, errors.Errorf("config: no value at %q", path)
}

// GetString is Get with a string assertion; missing or mistyped values fall
// back to def.
func (c *Config) GetString(path, def string) string {
	v, err := c.Get(path)
	if err != nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Set writes a dot-separated path into the user layer and persists it.
func (c *Config) Set(path string, value any) error {
	if c.userPath == "" {
		return errors.New("config: no user file configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.load(c.userPath)
	if err != nil {
		return err
	}
	// load returns the cached map; mutate a copy so a failed write does not
	// leave the cache ahead of the file.
	data = deepCopy(data)
	if err := store(data, path, value); err != nil {
		return err
	}

	out, err := yaml.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "config: marshal user layer")
	}
	if err := os.WriteFile(c.userPath, out, 0o644); err != nil {
		return errors.Wrapf(err, "config: write %s", c.userPath)
	}
	delete(c.cache, c.userPath)
	return nil
}

// load returns the parsed contents of path, re-reading only when the file's
// mtime moved. Callers must hold c.mu.
func (c *Config) load(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "config: stat %s", path)
	}

	if cached, ok := c.cache[path]; ok && cached.modTime.Equal(info.ModTime()) {
		return cached.data, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	data := map[string]any{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	log.Debug().Str("path", path).Msg("loaded config file")
	c.cache[path] = &layer{data: data, modTime: info.ModTime()}
	return data, nil
}

func lookup(data map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")
	var cur any = data
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func store(data map[string]any, path string, value any) error {
	keys := strings.Split(path, ".")
	cur := data
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k]
		if !ok {
			child := map[string]any{}
			cur[k] = child
			cur = child
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return errors.Errorf("config: %q is not a section", k)
		}
		cur = m
	}
	cur[keys[len(keys)-1]] = value
	return nil
}

func deepCopy(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if m, ok := v.(map[string]any); ok {
			out[k] = deepCopy(m)
			continue
		}
		out[k] = v
	}
	return out
}
