package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

// MemoryActivationStore is an in-process ActivationStore with the same
// conditional-update semantics as the Postgres store. A single mutex stands
// in for row locks, so every transition has exactly one winner.
type MemoryActivationStore struct {
	mu          sync.Mutex
	codes       map[string]*model.ActivationCode
	transitions []model.CodeTransition
	events      []model.PairingEvent
	archive     []model.ActivationCode
	seq         int64
}

func NewMemoryActivationStore() *MemoryActivationStore {
	return &MemoryActivationStore{
		codes: make(map[string]*model.ActivationCode),
	}
}

var _ ActivationStore = (*MemoryActivationStore)(nil)

func (s *MemoryActivationStore) Create(_ context.Context, params model.CreateActivationCodeParams) (*CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[params.Code]; exists {
		return nil, ErrCodeTaken
	}

	result := &CreateResult{}
	for _, ac := range s.sortedLocked() {
		if ac.TenantID != params.TenantID || ac.KioskID != params.KioskID || ac.State != model.CodeStatePending {
			continue
		}
		reason := "superseded"
		ac.State = model.CodeStateRevoked
		if !params.CreatedAt.Before(ac.ExpiresAt) {
			reason = "expired"
			ac.State = model.CodeStateExpired
		}
		ac.StateChangedAt = timePtr(params.CreatedAt)
		ev := s.recordLocked(*ac, statePtr(model.CodeStatePending), reason, params.CreatedAt)
		result.Retired = append(result.Retired, *ac)
		result.Events = append(result.Events, *ev)
	}

	ac := &model.ActivationCode{
		Code:      params.Code,
		TenantID:  params.TenantID,
		KioskID:   params.KioskID,
		State:     model.CodeStatePending,
		CreatedAt: params.CreatedAt,
		ExpiresAt: params.ExpiresAt,
	}
	s.codes[ac.Code] = ac
	s.recordLocked(*ac, nil, "issued", params.CreatedAt)

	created := *ac
	result.Code = &created
	return result, nil
}

func (s *MemoryActivationStore) FindByCode(_ context.Context, code string) (*model.ActivationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil, nil
	}
	found := *ac
	return &found, nil
}

func (s *MemoryActivationStore) FindLatestByKiosk(ctx context.Context, tenantID, kioskID string) (*model.ActivationCode, error) {
	codes, err := s.ListByKiosk(ctx, tenantID, kioskID, 1)
	if err != nil || len(codes) == 0 {
		return nil, err
	}
	return &codes[0], nil
}

func (s *MemoryActivationStore) FindRedeemedByKiosk(_ context.Context, tenantID, kioskID string) (*model.ActivationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.ActivationCode
	for _, ac := range s.codes {
		if ac.TenantID != tenantID || ac.KioskID != kioskID || ac.State != model.CodeStateRedeemed {
			continue
		}
		if latest == nil || ac.RedeemedAt.After(*latest.RedeemedAt) {
			latest = ac
		}
	}
	if latest == nil {
		return nil, nil
	}
	found := *latest
	return &found, nil
}

func (s *MemoryActivationStore) ListByKiosk(_ context.Context, tenantID, kioskID string, limit int) ([]model.ActivationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := s.sortedLocked()
	var codes []model.ActivationCode
	for i := len(sorted) - 1; i >= 0 && len(codes) < limit; i-- {
		ac := sorted[i]
		if ac.TenantID == tenantID && ac.KioskID == kioskID {
			codes = append(codes, *ac)
		}
	}
	return codes, nil
}

func (s *MemoryActivationStore) Redeem(_ context.Context, code, fingerprint string, now time.Time) (*TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok || !ac.IsRedeemable(now) {
		return nil, ErrNotRedeemable
	}
	ac.State = model.CodeStateRedeemed
	ac.RedeemedAt = timePtr(now)
	fp := fingerprint
	ac.RedeemedFingerprint = &fp
	ac.StateChangedAt = timePtr(now)

	return s.resultLocked([]*model.ActivationCode{ac}, "redeemed", now), nil
}

func (s *MemoryActivationStore) Revoke(_ context.Context, tenantID, kioskID string, now time.Time) (*TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved []*model.ActivationCode
	for _, ac := range s.sortedLocked() {
		if ac.TenantID == tenantID && ac.KioskID == kioskID && ac.IsRedeemable(now) {
			ac.State = model.CodeStateRevoked
			ac.StateChangedAt = timePtr(now)
			moved = append(moved, ac)
		}
	}
	return s.resultLocked(moved, "revoked", now), nil
}

func (s *MemoryActivationStore) ExpireCode(_ context.Context, code string, now time.Time) (*TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved []*model.ActivationCode
	if ac, ok := s.codes[code]; ok && ac.State == model.CodeStatePending && !now.Before(ac.ExpiresAt) {
		ac.State = model.CodeStateExpired
		ac.StateChangedAt = timePtr(now)
		moved = append(moved, ac)
	}
	return s.resultLocked(moved, "expired", now), nil
}

func (s *MemoryActivationStore) ExpireDue(_ context.Context, now time.Time, limit int) (*TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*model.ActivationCode, 0)
	for _, ac := range s.codes {
		if ac.State == model.CodeStatePending && !now.Before(ac.ExpiresAt) {
			due = append(due, ac)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for _, ac := range due {
		ac.State = model.CodeStateExpired
		ac.StateChangedAt = timePtr(now)
	}
	return s.resultLocked(due, "expired", now), nil
}

func (s *MemoryActivationStore) Transitions(_ context.Context, code string) ([]model.CodeTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []model.CodeTransition
	for _, t := range s.transitions {
		if t.Code == code {
			rows = append(rows, t)
		}
	}
	return rows, nil
}

func (s *MemoryActivationStore) PendingEvents(_ context.Context, occurredBefore time.Time, limit int) ([]model.PairingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []model.PairingEvent
	for _, ev := range s.events {
		if len(events) >= limit {
			break
		}
		if ev.PublishedAt == nil && !ev.OccurredAt.After(occurredBefore) {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (s *MemoryActivationStore) MarkPublished(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range s.events {
		if _, ok := want[s.events[i].ID]; ok && s.events[i].PublishedAt == nil {
			s.events[i].PublishedAt = timePtr(at)
		}
	}
	return nil
}

func (s *MemoryActivationStore) EventsSince(_ context.Context, tenantID string, afterSeq int64, limit int) ([]model.PairingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []model.PairingEvent
	for _, ev := range s.events {
		if len(events) >= limit {
			break
		}
		if ev.TenantID == tenantID && ev.Seq > afterSeq {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (s *MemoryActivationStore) ArchiveTerminal(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	for code, ac := range s.codes {
		if ac.State == model.CodeStatePending {
			continue
		}
		changed := ac.CreatedAt
		if ac.StateChangedAt != nil {
			changed = *ac.StateChangedAt
		}
		if changed.Before(before) {
			s.archive = append(s.archive, *ac)
			delete(s.codes, code)
			moved++
		}
	}

	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.PublishedAt != nil && ev.OccurredAt.Before(before) {
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return moved, nil
}

// Events returns a copy of the outbox, including delivered rows.
func (s *MemoryActivationStore) Events() []model.PairingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]model.PairingEvent(nil), s.events...)
}

// Archived returns the codes moved out by ArchiveTerminal.
func (s *MemoryActivationStore) Archived() []model.ActivationCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]model.ActivationCode(nil), s.archive...)
}

func (s *MemoryActivationStore) resultLocked(moved []*model.ActivationCode, reason string, now time.Time) *TransitionResult {
	result := &TransitionResult{}
	for _, ac := range moved {
		ev := s.recordLocked(*ac, statePtr(model.CodeStatePending), reason, now)
		result.Codes = append(result.Codes, *ac)
		if ev != nil {
			result.Events = append(result.Events, *ev)
		}
	}
	return result
}

func (s *MemoryActivationStore) recordLocked(ac model.ActivationCode, from *model.CodeState, reason string, at time.Time) *model.PairingEvent {
	s.transitions = append(s.transitions, model.CodeTransition{
		ID:         uuid.NewString(),
		Code:       ac.Code,
		TenantID:   ac.TenantID,
		KioskID:    ac.KioskID,
		FromState:  from,
		ToState:    ac.State,
		Reason:     reason,
		OccurredAt: at,
	})

	eventType, ok := model.EventTypeFor(ac.State)
	if !ok {
		return nil
	}
	s.seq++
	ev := model.PairingEvent{
		ID:         uuid.NewString(),
		Seq:        s.seq,
		TenantID:   ac.TenantID,
		Type:       eventType,
		KioskID:    ac.KioskID,
		Code:       ac.Code,
		OccurredAt: at,
	}
	s.events = append(s.events, ev)
	return &ev
}

// sortedLocked returns live codes in creation order.
func (s *MemoryActivationStore) sortedLocked() []*model.ActivationCode {
	codes := make([]*model.ActivationCode, 0, len(s.codes))
	for _, ac := range s.codes {
		codes = append(codes, ac)
	}
	sort.Slice(codes, func(i, j int) bool {
		if codes[i].CreatedAt.Equal(codes[j].CreatedAt) {
			return codes[i].Code < codes[j].Code
		}
		return codes[i].CreatedAt.Before(codes[j].CreatedAt)
	})
	return codes
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// MemoryTenants is a TenantRepository backed by a map keyed on token hash.
type MemoryTenants struct {
	mu      sync.RWMutex
	byToken map[string]*model.Tenant
}

func NewMemoryTenants() *MemoryTenants {
	return &MemoryTenants{byToken: make(map[string]*model.Tenant)}
}

var _ TenantRepository = (*MemoryTenants)(nil)

func (r *MemoryTenants) FindByTokenHash(_ context.Context, tokenHash string) (*model.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byToken[tokenHash]
	if !ok || t.DisabledAt != nil {
		return nil, nil
	}
	found := *t
	return &found, nil
}

func (r *MemoryTenants) Create(_ context.Context, id, name, tokenHash string) (*model.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &model.Tenant{ID: id, Name: name, APITokenHash: tokenHash, CreatedAt: time.Now().UTC()}
	r.byToken[tokenHash] = t
	created := *t
	return &created, nil
}

// MemoryInventory is an InventoryLookup over a fixed asset list.
type MemoryInventory struct {
	mu     sync.RWMutex
	assets []model.Asset
}

func NewMemoryInventory(assets ...model.Asset) *MemoryInventory {
	return &MemoryInventory{assets: assets}
}

var _ InventoryLookup = (*MemoryInventory)(nil)

func (r *MemoryInventory) Add(asset model.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets = append(r.assets, asset)
}

func (r *MemoryInventory) FindByTag(_ context.Context, tenantID, assetTag string) (*model.Asset, error) {
	return r.find(func(a model.Asset) bool {
		return a.TenantID == tenantID && a.AssetTag != nil && *a.AssetTag == assetTag
	}), nil
}

func (r *MemoryInventory) FindBySerial(_ context.Context, tenantID, serialNumber string) (*model.Asset, error) {
	return r.find(func(a model.Asset) bool {
		return a.TenantID == tenantID && a.SerialNumber != nil && *a.SerialNumber == serialNumber
	}), nil
}

func (r *MemoryInventory) find(match func(model.Asset) bool) *model.Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.assets {
		if match(a) {
			found := a
			return &found
		}
	}
	return nil
}

type linkKey struct {
	tenantID string
	kioskID  string
}

// MemoryAssetLinks is an AssetLinkRepository keeping one link per kiosk
// plus the change history.
type MemoryAssetLinks struct {
	mu      sync.Mutex
	links   map[linkKey]model.AssetLink
	history []model.AssetLinkChange
}

func NewMemoryAssetLinks() *MemoryAssetLinks {
	return &MemoryAssetLinks{links: make(map[linkKey]model.AssetLink)}
}

var _ AssetLinkRepository = (*MemoryAssetLinks)(nil)

func (r *MemoryAssetLinks) FindByKiosk(_ context.Context, tenantID, kioskID string) (*model.AssetLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.links[linkKey{tenantID, kioskID}]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (r *MemoryAssetLinks) Link(_ context.Context, tenantID, kioskID string, asset *model.Asset, now time.Time) (*LinkOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := linkKey{tenantID, kioskID}
	var prev *model.AssetLink
	if current, ok := r.links[key]; ok {
		prev = &current
		if current.AssetID == asset.ID {
			return &LinkOutcome{Link: prev, Previous: prev}, nil
		}
	}

	link := model.AssetLink{
		TenantID:     tenantID,
		KioskID:      kioskID,
		AssetID:      asset.ID,
		AssetTag:     asset.AssetTag,
		SerialNumber: asset.SerialNumber,
		LinkedAt:     now,
	}
	r.links[key] = link

	change := model.AssetLinkChange{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		KioskID:    kioskID,
		NewAssetID: &link.AssetID,
		ChangedAt:  now,
	}
	if prev != nil {
		change.PreviousAssetID = &prev.AssetID
	}
	r.history = append(r.history, change)

	return &LinkOutcome{Link: &link, Previous: prev, Changed: true}, nil
}

func (r *MemoryAssetLinks) Unlink(_ context.Context, tenantID, kioskID string, now time.Time) (*model.AssetLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := linkKey{tenantID, kioskID}
	current, ok := r.links[key]
	if !ok {
		return nil, nil
	}
	delete(r.links, key)
	r.history = append(r.history, model.AssetLinkChange{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		KioskID:         kioskID,
		PreviousAssetID: &current.AssetID,
		ChangedAt:       now,
	})
	return &current, nil
}

func (r *MemoryAssetLinks) History(_ context.Context, tenantID, kioskID string) ([]model.AssetLinkChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []model.AssetLinkChange
	for _, c := range r.history {
		if c.TenantID == tenantID && c.KioskID == kioskID {
			changes = append(changes, c)
		}
	}
	return changes, nil
}
