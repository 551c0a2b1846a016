// Package registry maps logical database names to their storage
// locations. One research effort typically gets one database; the
// registry lets the CLI switch between them and remembers which one is
// active.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"webintel/internal/logging"
)

const registryFile = "registry.json"

// ErrNotFound is returned when a logical name has no entry.
var ErrNotFound = fmt.Errorf("database not registered")

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Database is one registered knowledge base.
type Database struct {
	Name             string    `json:"name"`
	SQLitePath       string    `json:"sqlite_path"`
	VectorCollection string    `json:"vector_collection"`
	CreatedAt        time.Time `json:"created_at"`
}

type registryState struct {
	Active    string              `json:"active"`
	Databases map[string]Database `json:"databases"`
}

// Registry is the JSON-file-backed database catalogue.
type Registry struct {
	dataDir string
	state   registryState
}

// Open loads the registry from dataDir, creating an empty one when the
// file does not exist yet.
func Open(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	r := &Registry{
		dataDir: dataDir,
		state:   registryState{Databases: make(map[string]Database)},
	}
	raw, err := os.ReadFile(filepath.Join(dataDir, registryFile))
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	if err := json.Unmarshal(raw, &r.state); err != nil {
		return nil, fmt.Errorf("corrupt registry file: %w", err)
	}
	if r.state.Databases == nil {
		r.state.Databases = make(map[string]Database)
	}
	return r, nil
}

// Create registers a new database. The sqlite file lives under the data
// dir and the vector collection is named after the database.
func (r *Registry) Create(name string) (Database, error) {
	if !validName.MatchString(name) {
		return Database{}, fmt.Errorf("invalid database name %q: use lowercase letters, digits, - and _", name)
	}
	if _, exists := r.state.Databases[name]; exists {
		return Database{}, fmt.Errorf("database %q already exists", name)
	}
	db := Database{
		Name:             name,
		SQLitePath:       filepath.Join(r.dataDir, name+".db"),
		VectorCollection: "webintel_" + name,
		CreatedAt:        time.Now().UTC(),
	}
	r.state.Databases[name] = db
	if r.state.Active == "" {
		r.state.Active = name
	}
	if err := r.save(); err != nil {
		return Database{}, err
	}
	logging.Store("registered database %q at %s", name, db.SQLitePath)
	return db, nil
}

// Get returns a database by logical name.
func (r *Registry) Get(name string) (Database, error) {
	db, ok := r.state.Databases[name]
	if !ok {
		return Database{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return db, nil
}

// Use marks a database as active and persists the choice.
func (r *Registry) Use(name string) error {
	if _, ok := r.state.Databases[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	r.state.Active = name
	return r.save()
}

// Active returns the currently selected database. When nothing was ever
// created, a "default" database is registered on the fly.
func (r *Registry) Active() (Database, error) {
	if r.state.Active == "" {
		return r.Create("default")
	}
	return r.Get(r.state.Active)
}

// List returns all databases sorted by name, plus the active name.
func (r *Registry) List() ([]Database, string) {
	out := make([]Database, 0, len(r.state.Databases))
	for _, db := range r.state.Databases {
		out = append(out, db)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, r.state.Active
}

// Remove drops a database from the registry. The sqlite file is left on
// disk; forgetting a name must not destroy data.
func (r *Registry) Remove(name string) error {
	if _, ok := r.state.Databases[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.state.Databases, name)
	if r.state.Active == name {
		r.state.Active = ""
		for n := range r.state.Databases {
			if r.state.Active == "" || n < r.state.Active {
				r.state.Active = n
			}
		}
	}
	return r.save()
}

func (r *Registry) save() error {
	raw, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize registry: %w", err)
	}
	tmp := filepath.Join(r.dataDir, registryFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return os.Rename(tmp, filepath.Join(r.dataDir, registryFile))
}
