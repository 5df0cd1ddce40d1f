package tracker

import (
	"context"
	"errors"

	"mcp-calorie-log/internal/aggregate"
	"mcp-calorie-log/internal/models"
)

// ScanResult reports how a photo scan ended. A failed scan is not an error:
// the draft stays open for manual entry and Notice says so.
type ScanResult struct {
	Draft   Draft  `json:"draft"`
	Applied bool   `json:"applied"`
	Stale   bool   `json:"stale,omitempty"`
	Notice  string `json:"notice,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// NewDraft opens an empty draft whose slot is picked from the current hour.
func (t *Tracker) NewDraft(userID string) Draft {
	return t.drafts.Open(t.newID(), userID, aggregate.DefaultSlot(t.now()))
}

func (t *Tracker) GetDraft(userID, id string) (Draft, error) {
	return t.drafts.Get(userID, id)
}

func (t *Tracker) UpdateDraft(userID, id string, patch DraftPatch) (Draft, error) {
	return t.drafts.Update(userID, id, patch)
}

func (t *Tracker) DiscardDraft(userID, id string) error {
	_, err := t.drafts.Close(userID, id)
	return err
}

// SaveDraft validates the draft and persists it. On a validation or store
// error nothing is written and the draft stays open. A draft is stored at most
// once: a save racing another save of the same draft fails with ErrConflict.
func (t *Tracker) SaveDraft(ctx context.Context, userID, id string) (*models.MealRecord, error) {
	d, err := t.drafts.Claim(userID, id)
	if err != nil {
		return nil, err
	}

	rec, err := t.LogMeal(ctx, userID, d.Meal)
	if err != nil {
		t.drafts.Release(userID, id)
		return nil, err
	}

	if _, err := t.drafts.Close(userID, id); err != nil {
		// Discarded while the write was in flight; the meal is saved regardless.
		t.log.Debug("draft closed before save finished", "draft", id)
	}
	return rec, nil
}

// Estimate normalizes a photo and asks the estimator about it, without touching any draft.
func (t *Tracker) Estimate(ctx context.Context, raw []byte) (*models.NutritionEstimate, error) {
	payload, err := t.normalizer.Normalize(raw)
	if err != nil {
		return nil, err
	}
	est, err := t.estimator.Estimate(ctx, payload)
	if err != nil {
		return nil, err
	}
	return est, nil
}

// ScanPhoto estimates the photo and fills the draft with the result. Only the
// newest scan of a draft may write to it; older results are dropped. The
// returned error is non-nil only when the draft does not exist or is being saved.
func (t *Tracker) ScanPhoto(ctx context.Context, userID, draftID string, raw []byte) (*ScanResult, error) {
	tok, err := t.drafts.BeginScan(userID, draftID)
	if err != nil {
		return nil, err
	}

	est, err := t.Estimate(ctx, raw)
	if err != nil {
		t.log.Warn("photo scan failed", "user", userID, "draft", draftID, "error", err)

		d, ok := t.drafts.Fail(tok)
		if !ok {
			return &ScanResult{Stale: true}, nil
		}
		return &ScanResult{Draft: d, Notice: ScanFailedNotice, Reason: scanReason(err)}, nil
	}

	d, ok := t.drafts.Apply(tok, *est)
	if !ok {
		t.log.Info("discarding stale scan result", "user", userID, "draft", draftID, "generation", tok.Generation)
		return &ScanResult{Stale: true}, nil
	}

	t.log.Info("photo scanned", "user", userID, "draft", draftID, "food", est.FoodName, "calories", est.Calories)
	return &ScanResult{Draft: d, Applied: true}, nil
}

func scanReason(err error) string {
	var ierr *models.InferenceError
	switch {
	case errors.Is(err, models.ErrMissingCredential):
		return "inference credential not configured"
	case errors.As(err, &ierr):
		return ierr.Reason
	case errors.Is(err, models.ErrImageDecode):
		return "image could not be decoded"
	default:
		return err.Error()
	}
}
