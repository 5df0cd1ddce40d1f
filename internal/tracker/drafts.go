package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"mcp-calorie-log/internal/models"
)

const (
	DefaultDraftTTL         = 24 * time.Hour
	DefaultMaxDraftsPerUser = 20
)

// Draft is a copy of an open draft. Changing it does not change the book.
type Draft struct {
	ID       string           `json:"id"`
	UserID   string           `json:"user_id"`
	Meal     models.DraftMeal `json:"meal"`
	Scanning bool             `json:"scanning"`
}

// ScanToken identifies one scan attempt. Only the newest token of an open draft may apply.
type ScanToken struct {
	DraftID    string
	UserID     string
	Generation uint64
}

// DraftPatch edits a draft. Nil fields are left alone.
type DraftPatch struct {
	Name     *string
	Calories *string
	Protein  *string
	Carbs    *string
	Fat      *string
	Slot     *models.MealSlot
}

// Apply writes the set fields of p into d.
func (p DraftPatch) Apply(d *models.DraftMeal) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&d.Name, p.Name)
	set(&d.Calories, p.Calories)
	set(&d.Protein, p.Protein)
	set(&d.Carbs, p.Carbs)
	set(&d.Fat, p.Fat)
	if p.Slot != nil {
		d.Slot = *p.Slot
	}
}

type draftEntry struct {
	userID     string
	meal       models.DraftMeal
	generation uint64
	scanning   bool
	saving     bool
	touched    time.Time
}

// DraftBook holds unsaved drafts keyed by id. Drafts idle for longer than the
// TTL are dropped, and each user keeps at most a fixed number of open drafts.
type DraftBook struct {
	mu      sync.Mutex
	drafts  map[string]*draftEntry
	now     func() time.Time
	ttl     time.Duration
	perUser int
}

type DraftOption func(*DraftBook)

func WithDraftClock(now func() time.Time) DraftOption {
	return func(b *DraftBook) {
		if now != nil {
			b.now = now
		}
	}
}

// WithDraftTTL sets how long an untouched draft is kept.
func WithDraftTTL(ttl time.Duration) DraftOption {
	return func(b *DraftBook) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithDraftLimit caps the open drafts per user. Opening one more evicts the
// least recently touched draft of that user.
func WithDraftLimit(n int) DraftOption {
	return func(b *DraftBook) {
		if n > 0 {
			b.perUser = n
		}
	}
}

func NewDraftBook(opts ...DraftOption) *DraftBook {
	b := &DraftBook{
		drafts:  make(map[string]*draftEntry),
		now:     time.Now,
		ttl:     DefaultDraftTTL,
		perUser: DefaultMaxDraftsPerUser,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *DraftBook) lookup(userID, id string) (*draftEntry, error) {
	e, ok := b.drafts[id]
	if !ok || e.userID != userID {
		return nil, fmt.Errorf("draft %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

// editable is lookup for operations that change the draft. A draft that is
// being saved can only be read or closed.
func (b *DraftBook) editable(userID, id string) (*draftEntry, error) {
	e, err := b.lookup(userID, id)
	if err != nil {
		return nil, err
	}
	if e.saving {
		return nil, fmt.Errorf("draft %s is being saved: %w", id, models.ErrConflict)
	}
	e.touched = b.now()
	return e, nil
}

func (e *draftEntry) view(id string) Draft {
	return Draft{ID: id, UserID: e.userID, Meal: e.meal, Scanning: e.scanning}
}

// Open starts an empty draft for userID in the given slot.
func (b *DraftBook) Open(id, userID string, slot models.MealSlot) Draft {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.sweep(now)
	b.evictOverLimit(userID)

	e := &draftEntry{userID: userID, meal: models.DraftMeal{Slot: slot}, touched: now}
	b.drafts[id] = e
	return e.view(id)
}

// Sweep drops drafts idle for longer than the TTL and reports how many went.
func (b *DraftBook) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sweep(b.now())
}

func (b *DraftBook) sweep(now time.Time) int {
	n := 0
	for id, e := range b.drafts {
		if !e.saving && now.Sub(e.touched) > b.ttl {
			delete(b.drafts, id)
			n++
		}
	}
	return n
}

// evictOverLimit makes room for one more draft of userID.
func (b *DraftBook) evictOverLimit(userID string) {
	type aged struct {
		id      string
		touched time.Time
	}
	var own []aged
	for id, e := range b.drafts {
		if e.userID == userID && !e.saving {
			own = append(own, aged{id, e.touched})
		}
	}
	if len(own) < b.perUser {
		return
	}
	sort.Slice(own, func(i, j int) bool { return own[i].touched.Before(own[j].touched) })
	for _, a := range own[:len(own)-b.perUser+1] {
		delete(b.drafts, a.id)
	}
}

func (b *DraftBook) Get(userID, id string) (Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.lookup(userID, id)
	if err != nil {
		return Draft{}, err
	}
	return e.view(id), nil
}

// Update applies a manual edit. An in-flight scan stays valid and may still overwrite the fields.
func (b *DraftBook) Update(userID, id string, patch DraftPatch) (Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.editable(userID, id)
	if err != nil {
		return Draft{}, err
	}
	patch.Apply(&e.meal)
	return e.view(id), nil
}

// BeginScan supersedes any earlier scan of the draft.
func (b *DraftBook) BeginScan(userID, id string) (ScanToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.editable(userID, id)
	if err != nil {
		return ScanToken{}, err
	}
	e.generation++
	e.scanning = true
	return ScanToken{DraftID: id, UserID: userID, Generation: e.generation}, nil
}

// current returns the entry token refers to if the token is still the newest one.
func (b *DraftBook) current(tok ScanToken) (*draftEntry, bool) {
	e, err := b.lookup(tok.UserID, tok.DraftID)
	if err != nil || e.saving || e.generation != tok.Generation {
		return nil, false
	}
	e.touched = b.now()
	return e, true
}

// Apply copies est into the draft. It reports false, changing nothing, when the
// draft was closed or a newer scan started after tok was issued.
func (b *DraftBook) Apply(tok ScanToken, est models.NutritionEstimate) (Draft, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.current(tok)
	if !ok {
		return Draft{}, false
	}
	e.meal.ApplyEstimate(est)
	e.scanning = false
	return e.view(tok.DraftID), true
}

// Fail ends the scan and leaves the draft editable with blank quantities set to "0".
func (b *DraftBook) Fail(tok ScanToken) (Draft, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.current(tok)
	if !ok {
		return Draft{}, false
	}
	e.meal.ZeroBlank()
	e.scanning = false
	return e.view(tok.DraftID), true
}

// Claim reserves the draft for saving and returns its contents. Until Release
// or Close, further claims, edits and scans fail with ErrConflict, and results
// of scans already in flight are discarded.
func (b *DraftBook) Claim(userID, id string) (Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.editable(userID, id)
	if err != nil {
		return Draft{}, err
	}
	e.saving = true
	return e.view(id), nil
}

// Release reopens a claimed draft for editing.
func (b *DraftBook) Release(userID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, err := b.lookup(userID, id); err == nil {
		e.saving = false
		e.touched = b.now()
	}
}

// Close removes the draft. Scans still in flight for it are discarded when they finish.
func (b *DraftBook) Close(userID, id string) (Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.lookup(userID, id)
	if err != nil {
		return Draft{}, err
	}
	delete(b.drafts, id)
	return e.view(id), nil
}

// Len reports the number of open drafts.
func (b *DraftBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.drafts)
}
