package db

import (
	"context"
	"fmt"
)

func (s *Store) Increment(ctx context.Context, day, email string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO sender_daily_sends (day, sender_email, sent)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (day, sender_email) DO UPDATE SET sent = sender_daily_sends.sent + 1
		 RETURNING sent`,
		day,
		email,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment daily sends for %s: %w", email, err)
	}
	return n, nil
}

func (s *Store) Counts(ctx context.Context, day string, emails []string) (map[string]int, error) {
	counts := make(map[string]int, len(emails))
	for _, e := range emails {
		counts[e] = 0
	}
	if len(emails) == 0 {
		return counts, nil
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT sender_email, sent FROM sender_daily_sends WHERE day = $1 AND sender_email = ANY($2)`,
		day,
		emails,
	)
	if err != nil {
		return nil, fmt.Errorf("read daily sends: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			email string
			n     int
		)
		if err := rows.Scan(&email, &n); err != nil {
			return nil, err
		}
		counts[email] = n
	}
	return counts, rows.Err()
}

func (s *Store) Reset(ctx context.Context, day, email string) error {
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM sender_daily_sends WHERE day = $1 AND sender_email = $2`, day, email)
	if err != nil {
		return fmt.Errorf("reset daily sends for %s: %w", email, err)
	}
	return nil
}
