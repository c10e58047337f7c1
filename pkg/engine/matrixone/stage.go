package matrixone

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/stage"
)

// StageStore reads and removes files in a named MatrixOne stage
// (stage://name/...) through SQL.
type StageStore struct {
	e *Engine
}

var _ stage.Store = (*StageStore)(nil)

func (e *Engine) StageStore() *StageStore {
	return &StageStore{e: e}
}

func (s *StageStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	query := "SELECT load_file(CAST(" + engine.QuoteString(location) + " AS DATALINK))"
	var body []byte
	err := s.e.read(ctx, func(ctx context.Context) error {
		return s.e.db.QueryRowContext(ctx, query).Scan(&body)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", stage.ErrNotFound, location)
	case err != nil:
		return nil, fmt.Errorf("matrixone: read %s: %w", location, err)
	case body == nil:
		return nil, fmt.Errorf("%w: %s", stage.ErrNotFound, location)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *StageStore) Remove(ctx context.Context, location string) error {
	if err := s.e.exec(ctx, "REMOVE "+engine.QuoteString(location)); err != nil {
		return fmt.Errorf("matrixone: remove %s: %w", location, err)
	}
	return nil
}
