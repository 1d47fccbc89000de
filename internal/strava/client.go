// Package strava is the HTTP client for the provider's OAuth and activity
// endpoints. It maps provider failures onto the error taxonomy the token
// manager and sync engine branch on.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lmerrett/stravasync/internal/errs"
	"github.com/lmerrett/stravasync/internal/model"
)

const (
	// DefaultBaseURL is the production provider endpoint.
	DefaultBaseURL = "https://www.strava.com"

	tokenPath      = "/oauth/token"
	authorizePath  = "/oauth/authorize"
	activitiesPath = "/api/v3/athlete/activities"
	activityPath   = "/api/v3/activities"

	defaultTimeout = 30 * time.Second
)

// ErrTokenExpired signals a 401 from a data endpoint; the caller refreshes
// once and retries before treating it as fatal.
var ErrTokenExpired = errors.New("access token expired")

// RateLimitError carries the provider's retry-after hint from a 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, errs.ErrRateLimited) hold for rate limit responses.
func (e *RateLimitError) Is(target error) bool { return target == errs.ErrRateLimited }

// Config collects client dependencies.
type Config struct {
	BaseURL      string // empty selects DefaultBaseURL
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client // optional; a timeout-bounded client is built otherwise
	Logger       *zap.Logger
}

// Client talks to the provider. All calls are bounded by the request context
// and the underlying client timeout.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpc        *http.Client
	logger       *zap.Logger
}

// New constructs a provider client.
func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      strings.TrimRight(base, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpc:        httpc,
		logger:       logger,
	}
}

// HTTPClient exposes the underlying client for request interception in tests.
func (c *Client) HTTPClient() *http.Client { return c.httpc }

// AuthorizationURL returns the consent URL the user visits to obtain a
// one-time authorization code.
func (c *Client) AuthorizationURL(redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", redirectURI)
	q.Set("approval_prompt", "auto")
	q.Set("scope", "activity:read_all")
	return c.baseURL + authorizePath + "?" + q.Encode()
}

// tokenResponse is the provider token endpoint payload, shared by the
// authorization-code and refresh-token grants.
type tokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r tokenResponse) credential() model.Credential {
	expires := time.Unix(r.ExpiresAt, 0).UTC()
	if r.ExpiresAt == 0 && r.ExpiresIn > 0 {
		expires = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
	}
	return model.Credential{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		ExpiresAt:    expires,
	}
}

// ExchangeCode performs the one-shot authorization-code grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (model.Credential, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
	}
	return c.token(ctx, form)
}

// Refresh exchanges the refresh token for a fresh token pair. The provider
// may rotate the refresh token; the returned credential carries whatever it
// issued.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.Credential, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.token(ctx, form)
}

func (c *Client) token(ctx context.Context, form url.Values) (model.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath,
		strings.NewReader(form.Encode()))
	if err != nil {
		return model.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return model.Credential{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Credential{}, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		// An invalid or revoked grant (invalid_grant, bad code) is
		// unrecoverable without the interactive flow.
		return model.Credential{}, fmt.Errorf("%w: token endpoint status %d: %s",
			errs.ErrReauthorizationRequired, resp.StatusCode, summarize(body))
	default:
		return model.Credential{}, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, summarize(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return model.Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	cred := tr.credential()
	if cred.AccessToken == "" {
		return model.Credential{}, errors.New("token endpoint returned no access token")
	}
	return cred, nil
}

// apiActivity is the provider's activity summary representation.
type apiActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	UploadID           int64     `json:"upload_id"`
	Type               string    `json:"type"`
	Distance           float64   `json:"distance"`
	MovingTime         int64     `json:"moving_time"`
	AverageSpeed       float64   `json:"average_speed"`
	MaxSpeed           float64   `json:"max_speed"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageCadence     float64   `json:"average_cadence"`
	AverageHeartrate   float64   `json:"average_heartrate"`
	StartDate          time.Time `json:"start_date"`
}

func (a apiActivity) activity() model.Activity {
	return model.Activity{
		ID:                 a.ID,
		Name:               a.Name,
		UploadID:           a.UploadID,
		Type:               a.Type,
		Distance:           a.Distance,
		MovingTime:         a.MovingTime,
		AverageSpeed:       a.AverageSpeed,
		MaxSpeed:           a.MaxSpeed,
		TotalElevationGain: a.TotalElevationGain,
		AverageCadence:     a.AverageCadence,
		AverageHeartrate:   a.AverageHeartrate,
		StartDate:          a.StartDate.UTC(),
	}
}

// ListActivities fetches one page of activity summaries with start dates
// strictly after the given time.
func (c *Client) ListActivities(ctx context.Context, accessToken string, after time.Time, page, perPage int) ([]model.Activity, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if !after.IsZero() {
		q.Set("after", strconv.FormatInt(after.Unix(), 10))
	}

	var raw []apiActivity
	if err := c.get(ctx, accessToken, activitiesPath+"?"+q.Encode(), &raw); err != nil {
		return nil, err
	}
	out := make([]model.Activity, 0, len(raw))
	for _, a := range raw {
		out = append(out, a.activity())
	}
	return out, nil
}

// apiDetail is the subset of the activity detail payload we consume.
type apiDetail struct {
	ID           int64      `json:"id"`
	SplitsMetric []apiSplit `json:"splits_metric"`
}

type apiSplit struct {
	Split                     int     `json:"split"`
	Distance                  float64 `json:"distance"`
	ElapsedTime               int64   `json:"elapsed_time"`
	MovingTime                int64   `json:"moving_time"`
	ElevationDifference       float64 `json:"elevation_difference"`
	AverageSpeed              float64 `json:"average_speed"`
	AverageGradeAdjustedSpeed float64 `json:"average_grade_adjusted_speed"`
	AverageHeartrate          float64 `json:"average_heartrate"`
	PaceZone                  int     `json:"pace_zone"`
}

// ActivitySplits fetches the metric splits of a single activity.
func (c *Client) ActivitySplits(ctx context.Context, accessToken string, id int64) ([]model.Split, error) {
	var detail apiDetail
	if err := c.get(ctx, accessToken, activityPath+"/"+strconv.FormatInt(id, 10), &detail); err != nil {
		return nil, err
	}
	out := make([]model.Split, 0, len(detail.SplitsMetric))
	for i, s := range detail.SplitsMetric {
		idx := s.Split
		if idx == 0 {
			idx = i + 1
		}
		out = append(out, model.Split{
			ActivityID:                id,
			Index:                     idx,
			Distance:                  s.Distance,
			ElapsedTime:               s.ElapsedTime,
			MovingTime:                s.MovingTime,
			ElevationDifference:       s.ElevationDifference,
			AverageSpeed:              s.AverageSpeed,
			AverageGradeAdjustedSpeed: s.AverageGradeAdjustedSpeed,
			AverageHeartrate:          s.AverageHeartrate,
			PaceZone:                  s.PaceZone,
		})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrTokenExpired
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	default:
		return fmt.Errorf("provider status %d: %s", resp.StatusCode, summarize(body))
	}
	return json.Unmarshal(body, out)
}

// retryAfter parses the Retry-After hint; zero means the provider gave none.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func summarize(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
