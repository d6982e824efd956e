// Package config loads a docbind project file: connection options, the
// storage backend and the model types bound to it.
//
// Files are YAML (.yaml, .yml) or TOML (.toml):
//
//	connection:
//	  db: blog
//	  max: 4
//	backend:
//	  kind: sqlite
//	  dir: ./data
//	models:
//	  - name: Post
//	    table: posts
//	    timestamps: true
//	    softDelete: true
//	    schema: |
//	      author: string
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/docbind/internal/connection"
	"github.com/roach88/docbind/internal/driver"
	"github.com/roach88/docbind/internal/driver/memdb"
	"github.com/roach88/docbind/internal/driver/mongodb"
	"github.com/roach88/docbind/internal/driver/sqlitedb"
	"github.com/roach88/docbind/internal/model"
	"github.com/roach88/docbind/internal/schema"
)

// Backend kinds.
const (
	BackendMemory  = "memory"
	BackendSQLite  = "sqlite"
	BackendMongoDB = "mongodb"
)

// Formats accepted by Parse.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// File is the decoded project file.
type File struct {
	// Connection is passed to connection.ParseOptions unchanged.
	Connection map[string]any `yaml:"connection" toml:"connection"`
	Backend    Backend        `yaml:"backend" toml:"backend"`
	Models     []Model        `yaml:"models" toml:"models"`
}

// Backend selects the storage engine.
type Backend struct {
	Kind string `yaml:"kind" toml:"kind"` // memory (default) | sqlite | mongodb

	// Dir is the sqlite data directory; empty keeps databases in memory.
	Dir string `yaml:"dir" toml:"dir"`

	// Scheme is the mongodb URI scheme. Default: mongodb.
	Scheme string `yaml:"scheme" toml:"scheme"`
}

// Model declares one model type.
type Model struct {
	Name        string `yaml:"name" toml:"name"`
	Table       string `yaml:"table" toml:"table"`
	Timestamps  bool   `yaml:"timestamps" toml:"timestamps"`
	SoftDelete  bool   `yaml:"softDelete" toml:"softDelete"`
	IDAttribute string `yaml:"idAttribute" toml:"idAttribute"`

	// Schema is CUE source validating the type's documents.
	Schema string `yaml:"schema" toml:"schema"`
}

// TypeName returns Name, or Table when Name is empty.
func (m Model) TypeName() string {
	if m.Name == "" {
		return m.Table
	}
	return m.Name
}

// Default returns an in-memory project with no models.
func Default() *File {
	return &File{Backend: Backend{Kind: BackendMemory}}
}

// Load reads and validates the file at path. The format follows the
// extension.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// FormatOf maps a file extension to a format.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", filepath.Ext(path))
}

// Parse decodes data in the given format and validates the result.
func Parse(data []byte, format string) (*File, error) {
	f := Default()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), f)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse config: unknown key %q", undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if f.Backend.Kind == "" {
		f.Backend.Kind = BackendMemory
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks the backend, the connection options and every model.
// Schemas are compiled so that a bad one is reported here rather than on
// first save.
func (f *File) Validate() error {
	switch f.Backend.Kind {
	case BackendMemory, BackendSQLite, BackendMongoDB:
	default:
		return fmt.Errorf("backend: unknown kind %q", f.Backend.Kind)
	}

	if _, err := connection.ParseOptions(connection.DefaultOptions(), f.Connection); err != nil {
		return fmt.Errorf("connection: %w", err)
	}

	seen := make(map[string]bool)
	for i, m := range f.Models {
		if m.Table == "" {
			return fmt.Errorf("models[%d]: table is required", i)
		}
		name := m.TypeName()
		if seen[name] {
			return fmt.Errorf("models[%d]: duplicate model %q", i, name)
		}
		seen[name] = true
		if m.Schema != "" {
			if _, err := schema.Compile(name, m.Schema); err != nil {
				return fmt.Errorf("models[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// Driver builds the configured backend.
func (f *File) Driver() (driver.Driver, error) {
	switch f.Backend.Kind {
	case BackendMemory, "":
		return memdb.New(), nil
	case BackendSQLite:
		dir := f.Backend.Dir
		if dir == "" {
			dir = sqlitedb.MemoryDir
		}
		return sqlitedb.New(dir), nil
	case BackendMongoDB:
		var opts []mongodb.Option
		if f.Backend.Scheme != "" {
			opts = append(opts, mongodb.WithScheme(f.Backend.Scheme))
		}
		return mongodb.New(opts...), nil
	}
	return nil, fmt.Errorf("backend: unknown kind %q", f.Backend.Kind)
}

// Env is an opened project: one connection plus the registered models and
// schemas.
type Env struct {
	File    *File
	Conn    *connection.Connection
	Models  *model.Registry
	Schemas *schema.Registry
}

// Open builds the driver and connection and registers every model. No
// database handle is opened until the first query.
func (f *File) Open(logger *slog.Logger) (*Env, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d, err := f.Driver()
	if err != nil {
		return nil, err
	}
	return f.OpenWith(d, logger)
}

// OpenWith is Open over an explicit driver.
func (f *File) OpenWith(d driver.Driver, logger *slog.Logger) (*Env, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := connection.New(d, f.Connection, connection.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}

	env := &Env{File: f, Conn: conn, Models: model.NewRegistry(), Schemas: schema.NewRegistry()}
	for _, m := range f.Models {
		typ := &model.Type{
			Name:        m.TypeName(),
			Table:       m.Table,
			Timestamps:  m.Timestamps,
			SoftDelete:  m.SoftDelete,
			IDAttribute: m.IDAttribute,
			Conn:        conn,
			Logger:      logger.With("model", m.TypeName()),
		}
		if m.Schema != "" {
			s, err := schema.Compile(typ.Name, m.Schema)
			if err != nil {
				conn.Close(context.Background())
				return nil, err
			}
			if err := env.Schemas.Register(s); err != nil {
				conn.Close(context.Background())
				return nil, err
			}
			typ.Schema = s
		}
		if err := env.Models.Register(typ); err != nil {
			conn.Close(context.Background())
			return nil, err
		}
	}
	return env, nil
}

// Close drains and closes the connection.
func (e *Env) Close(ctx context.Context) error {
	return e.Conn.Close(ctx)
}
