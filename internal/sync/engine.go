// Package sync orchestrates incremental fetch-and-merge of provider
// activities into the encrypted local dataset.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/lmerrett/stravasync/internal/errs"
	"github.com/lmerrett/stravasync/internal/model"
	"github.com/lmerrett/stravasync/internal/strava"
)

// Client is the subset of the provider client the engine needs.
type Client interface {
	ListActivities(ctx context.Context, accessToken string, after time.Time, page, perPage int) ([]model.Activity, error)
	ActivitySplits(ctx context.Context, accessToken string, id int64) ([]model.Split, error)
}

// TokenSource serves valid access tokens; implemented by token.Manager.
type TokenSource interface {
	Valid(ctx context.Context) (string, error)
}

// DatasetStore reads and writes the encrypted dataset; implemented by
// datastore.Store.
type DatasetStore interface {
	Read(ctx context.Context) (*model.Dataset, error)
	Write(ctx context.Context, ds *model.Dataset) error
}

// Config collects engine dependencies and tuning.
type Config struct {
	Client Client
	Tokens TokenSource
	Store  DatasetStore
	// PerPage is the provider page size (default 50).
	PerPage int
	// PageRetries bounds retries of a failing page fetch (default 3).
	PageRetries int
	// MaxRateWait caps how long a single provider retry-after hint is
	// honored before the run gives up as rate limited (default 15m).
	MaxRateWait time.Duration
	// FetchSplits enables per-activity split enrichment for runs.
	FetchSplits bool
	Logger      *zap.Logger
}

// Engine performs one sync run at a time. Fetch and merge are sequential;
// the in-memory dataset is never mutated concurrently.
type Engine struct {
	client      Client
	tokens      TokenSource
	store       DatasetStore
	perPage     int
	pageRetries int
	maxRateWait time.Duration
	fetchSplits bool
	logger      *zap.Logger
}

// New constructs a sync engine.
func New(cfg Config) *Engine {
	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	retries := cfg.PageRetries
	if retries <= 0 {
		retries = 3
	}
	maxWait := cfg.MaxRateWait
	if maxWait <= 0 {
		maxWait = 15 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:      cfg.Client,
		tokens:      cfg.Tokens,
		store:       cfg.Store,
		perPage:     perPage,
		pageRetries: retries,
		maxRateWait: maxWait,
		fetchSplits: cfg.FetchSplits,
		logger:      logger,
	}
}

// Run executes one incremental sync. Progress merged before a rate-limit or
// network failure is persisted, not rolled back; such runs end with
// errs.ErrRateLimited or errs.ErrNetworkExhausted and a Partial report, and
// are resumable because the watermark only ever advances.
func (e *Engine) Run(ctx context.Context) (model.SyncReport, error) {
	start := time.Now()
	runID, _ := uuid.NewV4()
	logger := e.logger.With(zap.String("run_id", runID.String()))

	accessToken, err := e.tokens.Valid(ctx)
	if err != nil {
		return model.SyncReport{RunID: runID}, err
	}

	ds, err := e.store.Read(ctx)
	if err != nil {
		return model.SyncReport{RunID: runID}, err
	}
	after := ds.Watermark
	logger.Info("sync started", zap.Time("watermark", after))

	report := model.SyncReport{RunID: runID}
	var runErr error

pages:
	for page := 1; ; page++ {
		acts, ferr := e.fetchPage(ctx, &accessToken, after, page)
		if ferr != nil {
			runErr = ferr
			break
		}
		report.PagesFetched++
		if len(acts) == 0 {
			break
		}

		fresh := make([]model.Activity, 0, len(acts))
		for _, a := range acts {
			if !ds.Has(a.ID) {
				fresh = append(fresh, a)
			}
		}
		report.ActivitiesAdded += ds.Merge(acts)

		if e.fetchSplits {
			for _, a := range fresh {
				if !strings.EqualFold(a.Type, "Run") {
					continue
				}
				splits, serr := e.fetchSplitsFor(ctx, &accessToken, a.ID)
				if serr != nil {
					runErr = serr
					break pages
				}
				report.SplitsAdded += ds.MergeSplits(keepKilometreSplits(splits))
			}
		}

		if len(acts) < e.perPage {
			break
		}
	}

	if report.ActivitiesAdded > 0 || report.SplitsAdded > 0 {
		if werr := e.store.Write(ctx, ds); werr != nil {
			return report, werr
		}
	}

	report.Watermark = ds.Watermark
	report.Partial = runErr != nil
	report.Duration = time.Since(start)

	if runErr != nil {
		logger.Warn("sync ended early, partial progress persisted",
			zap.Int("activities_added", report.ActivitiesAdded),
			zap.Int("pages_fetched", report.PagesFetched),
			zap.Error(runErr),
		)
		return report, runErr
	}
	logger.Info("sync complete",
		zap.Int("activities_added", report.ActivitiesAdded),
		zap.Int("splits_added", report.SplitsAdded),
		zap.Int("pages_fetched", report.PagesFetched),
		zap.Time("watermark", report.Watermark),
	)
	return report, nil
}

// fetchPage retrieves one activity page, absorbing a single mid-run token
// expiry, honoring rate-limit hints within the run budget, and retrying
// transient failures a bounded number of times.
func (e *Engine) fetchPage(ctx context.Context, accessToken *string, after time.Time, page int) ([]model.Activity, error) {
	refreshed := false
	attempts := 0
	bo := backoff.NewExponentialBackOff()

	for {
		acts, err := e.client.ListActivities(ctx, *accessToken, after, page, e.perPage)
		switch {
		case err == nil:
			return acts, nil

		case errors.Is(err, strava.ErrTokenExpired):
			if refreshed {
				return nil, fmt.Errorf("%w: provider rejected a refreshed token", errs.ErrReauthorizationRequired)
			}
			refreshed = true
			tok, terr := e.tokens.Valid(ctx)
			if terr != nil {
				return nil, terr
			}
			*accessToken = tok

		case errors.Is(err, errs.ErrRateLimited):
			if werr := e.waitRateLimit(ctx, err); werr != nil {
				return nil, werr
			}

		default:
			attempts++
			if attempts >= e.pageRetries {
				return nil, fmt.Errorf("%w: page %d: %v", errs.ErrNetworkExhausted, page, err)
			}
			e.logger.Warn("page fetch failed, retrying",
				zap.Int("page", page),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			if werr := sleepCtx(ctx, bo.NextBackOff()); werr != nil {
				return nil, fmt.Errorf("%w: page %d: %v", errs.ErrNetworkExhausted, page, werr)
			}
		}
	}
}

// fetchSplitsFor retrieves splits with the same bounded-retry policy as
// pages; failures surface so the run persists partial progress and stops.
func (e *Engine) fetchSplitsFor(ctx context.Context, accessToken *string, id int64) ([]model.Split, error) {
	attempts := 0
	bo := backoff.NewExponentialBackOff()
	for {
		splits, err := e.client.ActivitySplits(ctx, *accessToken, id)
		switch {
		case err == nil:
			return splits, nil
		case errors.Is(err, errs.ErrRateLimited):
			if werr := e.waitRateLimit(ctx, err); werr != nil {
				return nil, werr
			}
		default:
			attempts++
			if attempts >= e.pageRetries {
				return nil, fmt.Errorf("%w: splits for %d: %v", errs.ErrNetworkExhausted, id, err)
			}
			if werr := sleepCtx(ctx, bo.NextBackOff()); werr != nil {
				return nil, fmt.Errorf("%w: splits for %d: %v", errs.ErrNetworkExhausted, id, werr)
			}
		}
	}
}

// waitRateLimit sleeps out a provider rate limit if the hint fits the run
// budget; otherwise the run ends as rate limited with progress retained.
func (e *Engine) waitRateLimit(ctx context.Context, cause error) error {
	wait := time.Minute
	var rl *strava.RateLimitError
	if errors.As(cause, &rl) && rl.RetryAfter > 0 {
		wait = rl.RetryAfter
	}
	if wait > e.maxRateWait {
		return fmt.Errorf("%w: retry-after %s exceeds budget", errs.ErrRateLimited, wait)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		return fmt.Errorf("%w: retry-after %s exceeds remaining run budget", errs.ErrRateLimited, wait)
	}
	e.logger.Info("rate limited, backing off", zap.Duration("wait", wait))
	if err := sleepCtx(ctx, wait); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRateLimited, err)
	}
	return nil
}

// keepKilometreSplits drops partial trailing splits, keeping those close to
// a full kilometre.
func keepKilometreSplits(in []model.Split) []model.Split {
	out := make([]model.Split, 0, len(in))
	for _, s := range in {
		if s.Distance > 950 && s.Distance < 1050 {
			out = append(out, s)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
