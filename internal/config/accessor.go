package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// tree is the config as generic JSON, keyed by the json tag names.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m tree
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot path, e.g. "relay.timeoutSeconds"
// or "invoke.args.0".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var node any = m
	for _, key := range strings.Split(path, ".") {
		switch v := node.(type) {
		case tree:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			node = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			node = v[i]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", node, key)
		}
	}
	return node, nil
}

// SetByPath sets an existing leaf by dot path. String values are coerced to
// the type of the current value: "true"/"false" for booleans, numbers for
// numbers and a comma-separated list for arrays.
func SetByPath(cfg *Config, path string, value any) error {
	m, err := toTree(cfg)
	if err != nil {
		return err
	}
	keys := strings.Split(path, ".")
	if path == "" {
		return fmt.Errorf("empty path")
	}

	section := m
	for _, key := range keys[:len(keys)-1] {
		next, ok := section[key].(tree)
		if !ok {
			return fmt.Errorf("unknown config section %q in %s", key, path)
		}
		section = next
	}

	leaf := keys[len(keys)-1]
	current, ok := section[leaf]
	if !ok && !optionalKeys[path] {
		return fmt.Errorf("unknown config key: %s", path)
	}
	section[leaf] = coerce(current, value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// optionalKeys are omitempty fields that may be absent from the tree.
var optionalKeys = map[string]bool{
	"general.logFile":   true,
	"invoke.template":   true,
	"telegram.template": true,
	"tunnel.url":        true,
}

func coerce(current, value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch current.(type) {
	case []any:
		if s == "" {
			return []any{}
		}
		parts := strings.Split(s, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out
	case bool:
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case float64:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// Sanitize returns a copy of the config with the bot token masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Invoke.Args = append([]string(nil), cfg.Invoke.Args...)
	out.Telegram.AllowFrom = append(FlexStringList(nil), cfg.Telegram.AllowFrom...)
	if out.Telegram.Token != "" {
		out.Telegram.Token = maskString(out.Telegram.Token)
	}
	return &out
}

func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf of the config keyed by its dot path.
func ListPaths(cfg *Config) map[string]any {
	m, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, t tree)
	walk = func(prefix string, t tree) {
		for k, v := range t {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if sub, ok := v.(tree); ok {
				walk(p, sub)
				continue
			}
			out[p] = v
		}
	}
	walk("", m)
	return out
}

// SortedPaths returns the keys of a ListPaths result in lexical order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
