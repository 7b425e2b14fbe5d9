package pgvector

import "context"

func Truncate(ctx context.Context, s *Store) error {
	return s.truncate(ctx)
}
