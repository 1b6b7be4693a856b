// Package cmd provides the factories that turn command-line configuration into
// concrete implementations.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/persistence/file"
	"github.com/dukex/nurture/pkg/persistence/postgresql"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/subjects"
)

// NewPersistence opens the store named by databaseURL: file://<dir> or
// postgres://... URLs. A bare path is treated as a file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}

// NewSubjectStore returns the contacts table when the store is PostgreSQL and
// an in-memory store seeded from subjectsPath otherwise.
func NewSubjectStore(store persistence.Persistence, subjectsPath string) (protocol.SubjectStore, error) {
	if pg, ok := store.(*postgresql.Persistence); ok {
		return pg.Contacts(), nil
	}

	memory := subjects.NewMemory()
	if subjectsPath == "" {
		return memory, nil
	}

	f, err := os.Open(subjectsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open subjects file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := memory.Load(f); err != nil {
		return nil, fmt.Errorf("failed to load subjects from %s: %w", subjectsPath, err)
	}

	return memory, nil
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgres"
	default:
		return "file"
	}
}
