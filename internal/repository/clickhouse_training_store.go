package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"Driftline/internal/domain/models"
	domrepo "Driftline/internal/domain/repository"
	pkgch "Driftline/pkg/clickhouse"
	applogger "Driftline/pkg/logger"
)

// tableNameRe restricts Source to plain identifiers. Source comes from
// model registrations, so it must never reach the query as raw SQL.
var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// CHTrainingStore loads training windows from ClickHouse. Telemetry is
// stored long-form (ts, name, value) and pivoted into DataPoints here.
type CHTrainingStore struct {
	db *sql.DB
	l  *applogger.Logger
}

func NewCHTrainingStore(ch *pkgch.Client) *CHTrainingStore {
	return &CHTrainingStore{db: ch.DB()}
}

// SetLogger injects a structured logger.
func (s *CHTrainingStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHTrainingStore) LoadPoints(ctx context.Context, source string, from, to time.Time, features []string) ([]models.DataPoint, error) {
	start := time.Now()
	if !tableNameRe.MatchString(source) {
		return nil, fmt.Errorf("invalid training source %q", source)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("no features requested from %q", source)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(features)), ",")
	q := fmt.Sprintf(`
		SELECT ts, name, value
		FROM %s
		WHERE ts >= ? AND ts <= ? AND name IN (%s)
		ORDER BY ts ASC
	`, source, placeholders)

	args := make([]interface{}, 0, len(features)+2)
	args = append(args, from, to)
	for _, f := range features {
		args = append(args, f)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse load_points query error",
				applogger.String("source", source),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("load points: %w", err)
	}
	defer rows.Close()

	var (
		out     []models.DataPoint
		current *models.DataPoint
	)
	for rows.Next() {
		var (
			ts    time.Time
			name  string
			value float64
		)
		if err := rows.Scan(&ts, &name, &value); err != nil {
			if s.l != nil {
				s.l.Error("clickhouse load_points scan error",
					applogger.String("source", source),
					applogger.Error(err),
				)
			}
			return nil, fmt.Errorf("scan point: %w", err)
		}
		if current == nil || !current.Timestamp.Equal(ts) {
			out = append(out, models.DataPoint{Timestamp: ts, Features: make(map[string]float64, len(features))})
			current = &out[len(out)-1]
		}
		current.Features[name] = value
	}
	if err := rows.Err(); err != nil {
		if s.l != nil {
			s.l.Error("clickhouse load_points rows error",
				applogger.String("source", source),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("rows: %w", err)
	}
	if s.l != nil {
		s.l.Info("clickhouse load_points ok",
			applogger.String("source", source),
			applogger.Int("points", len(out)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return out, nil
}

func (s *CHTrainingStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *CHTrainingStore) Close() error {
	return nil // Managed by pkg
}

var _ domrepo.TrainingStore = (*CHTrainingStore)(nil)
