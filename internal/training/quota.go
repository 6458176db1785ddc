package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/countcache"
)

const quotaDenialKeyPrefix = "vectord:quota:denied:"

// QuotaGate decides whether a team may consume embedding work. A team
// with a non-positive point balance is deferred, not failed: its jobs
// stay queued and are rechecked after the denial window.
//
// The budget read is authoritative; the denial marker in the cache only
// short-circuits repeated reads for a team already known to be exhausted.
// A degraded cache degrades to reading the budget every time.
type QuotaGate struct {
	pool   *pgxpool.Pool
	cache  countcache.Cache
	window time.Duration
	logger *zap.Logger
}

// NewQuotaGate creates a quota gate.
//
// window is how long a denial is remembered before the budget is read
// again.
func NewQuotaGate(pool *pgxpool.Pool, cache countcache.Cache, window time.Duration, logger *zap.Logger) *QuotaGate {
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaGate{pool: pool, cache: cache, window: window, logger: logger}
}

// Init creates the budget table. It is owned by the billing service in
// shared deployments; created here only so a standalone deployment
// starts clean.
func (g *QuotaGate) Init(ctx context.Context) error {
	_, err := g.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS team_budgets (
			team_id VARCHAR(64) PRIMARY KEY,
			ai_points NUMERIC NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("initializing budget schema: %w", err)
	}
	return nil
}

// Allow reports whether the team has embedding budget left.
//
// Teams without a budget row are allowed: budget provisioning lags team
// creation, and deferring a brand-new team's first ingestion would look
// like an outage.
func (g *QuotaGate) Allow(ctx context.Context, teamID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "QuotaGate.Allow")
	defer span.End()

	span.SetAttributes(attribute.String("team_id", teamID))

	if g.cache != nil {
		denied, err := g.cache.Get(ctx, quotaDenialKeyPrefix+teamID)
		if err != nil {
			g.logger.Warn("quota denial cache read failed", zap.String("team_id", teamID), zap.Error(err))
		} else if denied != "" {
			span.SetAttributes(attribute.Bool("allowed", false), attribute.Bool("cached", true))
			span.SetStatus(codes.Ok, "cached denial")
			return false, nil
		}
	}

	var points float64
	err := g.pool.QueryRow(ctx,
		`SELECT ai_points FROM team_budgets WHERE team_id = $1`, teamID).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetAttributes(attribute.Bool("allowed", true))
		span.SetStatus(codes.Ok, "no budget row")
		return true, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("reading team budget: %w", err)
	}

	allowed := points > 0
	if !allowed && g.cache != nil {
		if _, err := g.cache.SetNX(ctx, quotaDenialKeyPrefix+teamID, "1", g.window); err != nil {
			g.logger.Warn("quota denial cache write failed", zap.String("team_id", teamID), zap.Error(err))
		}
	}

	span.SetAttributes(attribute.Bool("allowed", allowed))
	span.SetStatus(codes.Ok, "success")
	return allowed, nil
}
