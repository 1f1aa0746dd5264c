package config

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout: a map of logical connection names plus the
// shared pool tunables.
//
//	pool:
//	  max_connections: 20
//	connections:
//	  default:
//	    driver: mysql
//	    host: [db1, db2]
type File struct {
	Pool        PoolConfig                  `yaml:"pool"`
	Connections map[string]ConnectionConfig `yaml:"connections"`
}

// Load reads and validates a YAML config file. Unknown keys are rejected.
func Load(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a config document, applies defaults and validates every
// connection.
func Parse(r io.Reader) (File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		return File{}, fmt.Errorf("config: parse: %w", err)
	}

	if file.Pool == (PoolConfig{}) {
		file.Pool = Development()
	}
	if err := file.Pool.Validate(); err != nil {
		return File{}, err
	}

	for _, name := range sortedNames(file.Connections) {
		cfg := file.Connections[name].WithDefaults()
		cfg.Name = name
		if err := cfg.Validate(); err != nil {
			return File{}, fmt.Errorf("connection %q: %w", name, err)
		}
		file.Connections[name] = cfg
	}
	return file, nil
}

// sortedNames keeps validation error order deterministic.
func sortedNames(m map[string]ConnectionConfig) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
