// Package model defines domain entities shared by stores, token manager and sync engine.
package model

import (
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Credential holds the OAuth2 token pair for the provider.
// The refresh token must survive every access token rotation.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the credential is usable at all (both tokens present).
// It says nothing about access token expiry.
func (c Credential) Valid() bool {
	return c.AccessToken != "" && c.RefreshToken != ""
}

// Expired reports whether the access token is within margin of its expiry.
func (c Credential) Expired(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(c.ExpiresAt)
}

// Activity is a single provider activity summary. Records are immutable once
// fetched; ID is globally unique per account.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	UploadID           int64     `json:"upload_id,omitempty"`
	Type               string    `json:"type"`
	Distance           float64   `json:"distance,omitempty"`
	MovingTime         int64     `json:"moving_time,omitempty"`
	AverageSpeed       float64   `json:"average_speed,omitempty"`
	MaxSpeed           float64   `json:"max_speed,omitempty"`
	TotalElevationGain float64   `json:"total_elevation_gain,omitempty"`
	AverageCadence     float64   `json:"average_cadence,omitempty"`
	AverageHeartrate   float64   `json:"average_heartrate,omitempty"`
	StartDate          time.Time `json:"start_date"`
}

// Split is a per-kilometre segment of an activity, keyed (ActivityID, Index).
type Split struct {
	ActivityID                int64   `json:"activity_id"`
	Index                     int     `json:"index"`
	Distance                  float64 `json:"distance"`
	ElapsedTime               int64   `json:"elapsed_time"`
	MovingTime                int64   `json:"moving_time"`
	ElevationDifference       float64 `json:"elevation_difference"`
	AverageSpeed              float64 `json:"average_speed"`
	AverageGradeAdjustedSpeed float64 `json:"average_grade_adjusted_speed,omitempty"`
	AverageHeartrate          float64 `json:"average_heartrate,omitempty"`
	PaceZone                  int     `json:"pace_zone,omitempty"`
}

// Dataset is the append-only local activity collection plus the sync
// watermark. The plaintext form exists only in process memory.
type Dataset struct {
	Activities []Activity `json:"activities"`
	Splits     []Split    `json:"splits,omitempty"`
	Watermark  time.Time  `json:"watermark"`
}

// Empty reports whether the dataset holds no records and no watermark.
func (d *Dataset) Empty() bool {
	return len(d.Activities) == 0 && len(d.Splits) == 0 && d.Watermark.IsZero()
}

// Has reports whether an activity with the given id is already merged.
func (d *Dataset) Has(id int64) bool {
	for i := range d.Activities {
		if d.Activities[i].ID == id {
			return true
		}
	}
	return false
}

// Merge appends activities not yet present, keeping existing records
// untouched (first write wins), and advances the watermark to the newest
// start date seen. The watermark never moves backward. Returns the number
// of records actually added.
func (d *Dataset) Merge(in []Activity) int {
	seen := make(map[int64]struct{}, len(d.Activities))
	for i := range d.Activities {
		seen[d.Activities[i].ID] = struct{}{}
	}
	added := 0
	for _, a := range in {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		d.Activities = append(d.Activities, a)
		added++
		if a.StartDate.After(d.Watermark) {
			d.Watermark = a.StartDate.UTC()
		}
	}
	if added > 0 {
		d.sortActivities()
	}
	return added
}

// MergeSplits appends splits not yet present, deduplicated by
// (ActivityID, Index). Returns the number added.
func (d *Dataset) MergeSplits(in []Split) int {
	seen := make(map[[2]int64]struct{}, len(d.Splits))
	for _, s := range d.Splits {
		seen[[2]int64{s.ActivityID, int64(s.Index)}] = struct{}{}
	}
	added := 0
	for _, s := range in {
		k := [2]int64{s.ActivityID, int64(s.Index)}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		d.Splits = append(d.Splits, s)
		added++
	}
	return added
}

// sortActivities keeps the collection ordered by start date ascending.
func (d *Dataset) sortActivities() {
	sort.SliceStable(d.Activities, func(i, j int) bool {
		return d.Activities[i].StartDate.Before(d.Activities[j].StartDate)
	})
}

// SyncReport summarizes a single sync run. Informational only; never used
// for control flow.
type SyncReport struct {
	RunID           uuid.UUID     `json:"run_id"`
	ActivitiesAdded int           `json:"activities_added"`
	SplitsAdded     int           `json:"splits_added"`
	PagesFetched    int           `json:"pages_fetched"`
	Watermark       time.Time     `json:"watermark"`
	Partial         bool          `json:"partial"`
	Duration        time.Duration `json:"duration"`
}
