package main

import (
	"fmt"

	"webintel/internal/embedding"
	"webintel/internal/entity"
	"webintel/internal/events"
	"webintel/internal/llm"
	"webintel/internal/registry"
	"webintel/internal/store"
	"webintel/internal/vector"
)

// app bundles the wired services for one command invocation.
type app struct {
	db     registry.Database
	store  *store.Store
	index  vector.Index
	engine embedding.Engine
	llm    *llm.Client
	merger *entity.Merger
	bus    *events.Bus
}

// openApp resolves the target database through the registry and opens
// every backing service against it.
func openApp() (*app, error) {
	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	var db registry.Database
	if dbName != "" {
		db, err = reg.Get(dbName)
	} else {
		db, err = reg.Active()
	}
	if err != nil {
		return nil, err
	}

	st, err := store.Open(db.SQLitePath)
	if err != nil {
		return nil, err
	}

	var index vector.Index
	switch cfg.Vector.Provider {
	case "qdrant":
		index, err = vector.NewQdrantIndex(cfg.Vector.Host, cfg.Vector.Port, db.VectorCollection)
	default:
		index, err = vector.NewEmbeddedIndex(db.SQLitePath+".vec", db.VectorCollection)
	}
	if err != nil {
		st.Close()
		return nil, err
	}

	var engine embedding.Engine
	switch cfg.Embedding.Provider {
	case "genai":
		engine, err = embedding.NewGenAIEngine(cfg.Embedding.GenAIAPIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
		if err != nil {
			st.Close()
			index.Close()
			return nil, fmt.Errorf("failed to start genai embedding engine: %w", err)
		}
	default:
		engine = embedding.NewOllamaEngine(cfg.Embedding.Endpoint, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	}

	client := llm.NewClient(cfg.LLM)
	return &app{
		db:     db,
		store:  st,
		index:  index,
		engine: engine,
		llm:    client,
		merger: entity.NewMerger(st, engine, cfg.Agent.EntityMergeThreshold),
		bus:    events.NewBus(),
	}, nil
}

func (a *app) close() {
	a.index.Close()
	a.store.Close()
}
