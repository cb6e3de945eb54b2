package store

import "context"

// InitSchema applies the full schema on a fresh database.
// It checks whether the "sessions" table exists as a proxy for
// whether schema.sql has been loaded. If missing, it executes
// the embedded schema SQL. If present, it's a no-op.
func (s *Store) InitSchema(ctx context.Context, schemaSQL []byte) error {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'sessions')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		s.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	s.log.Info().Msg("fresh database detected, applying schema")
	if _, err := s.Pool.Exec(ctx, string(schemaSQL)); err != nil {
		return err
	}
	s.log.Info().Msg("schema applied successfully")
	return nil
}
