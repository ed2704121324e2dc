// Package memory is an in-process Store used by tests, the CLI demo mode and
// single-node deployments without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/repository"
)

type idempotencyKey struct {
	ref       string
	direction model.Direction
}

type Store struct {
	mu sync.Mutex

	steps       map[string][]model.Step
	enrollments map[string]*model.Enrollment
	// order of creation, per (contact, campaign)
	history map[string][]string

	attempts      []*model.Attempt
	attemptByKey  map[idempotencyKey]int64
	nextAttemptID int64

	globalRules   []model.PolicyRule
	campaignRules map[string][]model.PolicyRule

	staged       []*model.StagedOutcome
	stagedByKey  map[idempotencyKey]int64
	nextStagedID int64

	snapshots atomic.Pointer[map[string]model.StateSnapshot]
	snapMu    sync.Mutex
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	s := &Store{
		steps:         make(map[string][]model.Step),
		enrollments:   make(map[string]*model.Enrollment),
		history:       make(map[string][]string),
		attemptByKey:  make(map[idempotencyKey]int64),
		campaignRules: make(map[string][]model.PolicyRule),
		stagedByKey:   make(map[idempotencyKey]int64),
	}
	empty := make(map[string]model.StateSnapshot)
	s.snapshots.Store(&empty)
	return s
}

func historyKey(contactID, campaignID string) string {
	return campaignID + "\x00" + contactID
}

// SaveCampaign replaces the campaign's steps.
func (s *Store) SaveCampaign(_ context.Context, c model.Campaign) error {
	steps := make([]model.Step, len(c.Steps))
	copy(steps, c.Steps)
	for i := range steps {
		steps[i].CampaignID = c.ID
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].OrderIndex < steps[j].OrderIndex })
	s.mu.Lock()
	s.steps[c.ID] = steps
	s.mu.Unlock()
	return nil
}

// SaveRule stores a policy rule, replacing any rule with the same scope and
// key. An empty CampaignID stores a global rule.
func (s *Store) SaveRule(_ context.Context, rule model.PolicyRule) error {
	rule.Key = model.NewPolicyKey(rule.Key.Status, rule.Key.Reason)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.CampaignID == "" {
		s.globalRules = upsertRule(s.globalRules, rule)
	} else {
		s.campaignRules[rule.CampaignID] = upsertRule(s.campaignRules[rule.CampaignID], rule)
	}
	return nil
}

func upsertRule(rules []model.PolicyRule, rule model.PolicyRule) []model.PolicyRule {
	for i := range rules {
		if rules[i].Key == rule.Key {
			rules[i] = rule
			return rules
		}
	}
	return append(rules, rule)
}

func (s *Store) ListSteps(_ context.Context, campaignID string) ([]model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Step, len(s.steps[campaignID]))
	copy(out, s.steps[campaignID])
	return out, nil
}

func (s *Store) GetEnrollment(_ context.Context, id string) (*model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, nil
	}
	return cloneEnrollment(e), nil
}

func (s *Store) FindActiveEnrollment(_ context.Context, contactID, campaignID string) (*model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.history[historyKey(contactID, campaignID)]
	for i := len(ids) - 1; i >= 0; i-- {
		if e := s.enrollments[ids[i]]; e.Status == model.EnrollmentActive {
			return cloneEnrollment(e), nil
		}
	}
	return nil, nil
}

func (s *Store) CreateEnrollment(_ context.Context, e *model.Enrollment) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.enrollments[e.ID]; exists {
		return nil, fmt.Errorf("insert enrollment: duplicate id %s", e.ID)
	}
	key := historyKey(e.ContactID, e.CampaignID)
	var switched []string
	for _, id := range s.history[key] {
		prior := s.enrollments[id]
		if prior.Status != model.EnrollmentActive {
			continue
		}
		at := e.StartedAt
		prior.Status = model.EnrollmentSwitched
		prior.EndedAt = &at
		prior.NextChannel = nil
		prior.NextRunAt = nil
		prior.Version++
		prior.UpdatedAt = at
		switched = append(switched, id)
	}
	s.enrollments[e.ID] = cloneEnrollment(e)
	s.history[key] = append(s.history[key], e.ID)
	return switched, nil
}

func (s *Store) UpdateEnrollment(_ context.Context, e *model.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.enrollments[e.ID]
	if !ok || cur.Version != e.Version {
		return fmt.Errorf("update enrollment %s: %w", e.ID, appErrors.ErrStaleEnrollment)
	}
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	s.enrollments[e.ID] = cloneEnrollment(e)
	return nil
}

func (s *Store) EnrollmentHistory(_ context.Context, contactID, campaignID string) (model.EnrollmentHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := model.EnrollmentHistory{ContactID: contactID, CampaignID: campaignID}
	for _, id := range s.history[historyKey(contactID, campaignID)] {
		h.Entries = append(h.Entries, *cloneEnrollment(s.enrollments[id]))
	}
	return h, nil
}

func (s *Store) ListEnrollmentIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.enrollments))
	for id := range s.enrollments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) InsertAttempt(_ context.Context, a *model.Attempt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Direction == "" {
		a.Direction = model.DirectionOutbound
	}
	var key idempotencyKey
	if a.HasIdempotencyKey() {
		key = idempotencyKey{ref: strings.TrimSpace(a.ProviderRef), direction: a.Direction}
		if id, dup := s.attemptByKey[key]; dup {
			a.ID = id
			return false, nil
		}
	}
	s.nextAttemptID++
	a.ID = s.nextAttemptID
	stored := *a
	s.attempts = append(s.attempts, &stored)
	if a.HasIdempotencyKey() {
		s.attemptByKey[key] = a.ID
	}
	return true, nil
}

func (s *Store) LatestAttempt(_ context.Context, enrollmentID string) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Attempt
	for _, a := range s.attempts {
		if a.EnrollmentID == enrollmentID && a.IsLaterThan(latest) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (s *Store) LatestAttempts(_ context.Context) (map[string]*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.Attempt)
	for _, a := range s.attempts {
		if a.IsLaterThan(out[a.EnrollmentID]) {
			c := *a
			out[a.EnrollmentID] = &c
		}
	}
	return out, nil
}

func (s *Store) CountAttempts(_ context.Context, enrollmentID, stepID string, ch model.Channel, statuses ...model.AttemptStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.EnrollmentID != enrollmentID || a.StepID != stepID || a.Channel != ch {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, a.Status) {
			continue
		}
		n++
	}
	return n, nil
}

func hasStatus(set []model.AttemptStatus, s model.AttemptStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Store) FirstAttempt(_ context.Context, enrollmentID, stepID string, ch model.Channel) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first *model.Attempt
	for _, a := range s.attempts {
		if a.EnrollmentID != enrollmentID || a.StepID != stepID || a.Channel != ch {
			continue
		}
		if first == nil || a.StartTime().Before(first.StartTime()) ||
			(a.StartTime().Equal(first.StartTime()) && a.ID < first.ID) {
			first = a
		}
	}
	if first == nil {
		return nil, nil
	}
	out := *first
	return &out, nil
}

func (s *Store) ListAttempts(_ context.Context, enrollmentID string) ([]model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Attempt
	for _, a := range s.attempts {
		if a.EnrollmentID == enrollmentID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *Store) PolicyRules(_ context.Context, campaignID string) ([]model.PolicyRule, []model.PolicyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	global := append([]model.PolicyRule(nil), s.globalRules...)
	campaign := append([]model.PolicyRule(nil), s.campaignRules[campaignID]...)
	return global, campaign, nil
}

func (s *Store) StageOutcome(_ context.Context, o *model.StagedOutcome) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var key idempotencyKey
	ref := strings.TrimSpace(o.ProviderRef)
	if ref != "" {
		key = idempotencyKey{ref: ref, direction: model.ParseDirection(o.Direction)}
		if id, dup := s.stagedByKey[key]; dup {
			o.ID = id
			return id, false, nil
		}
	}
	s.nextStagedID++
	o.ID = s.nextStagedID
	o.Processed = false
	o.ProcessedAt = nil
	o.LeaseOwner = ""
	o.LeaseExpiresAt = nil
	o.Deliveries = 0
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	stored := *o
	s.staged = append(s.staged, &stored)
	if ref != "" {
		s.stagedByKey[key] = o.ID
	}
	return o.ID, true, nil
}

func (s *Store) ClaimStaged(_ context.Context, owner string, limit int, now time.Time, ttl time.Duration) ([]model.StagedOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]*model.StagedOutcome, 0, limit)
	for _, o := range s.staged {
		if o.Claimable(now) {
			candidates = append(candidates, o)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	expires := now.Add(ttl)
	out := make([]model.StagedOutcome, 0, len(candidates))
	for _, o := range candidates {
		o.LeaseOwner = owner
		o.LeaseExpiresAt = &expires
		o.Deliveries++
		out = append(out, *o)
	}
	return out, nil
}

func (s *Store) ClaimStagedByID(_ context.Context, id int64, owner string, now time.Time, ttl time.Duration) (*model.StagedOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findStaged(id)
	if o == nil {
		return nil, fmt.Errorf("claim staged outcome %d: %w", id, appErrors.ErrStagedNotFound)
	}
	if !o.Claimable(now) {
		return nil, fmt.Errorf("claim staged outcome %d: %w", id, appErrors.ErrStagedAlreadyClaimed)
	}
	expires := now.Add(ttl)
	o.LeaseOwner = owner
	o.LeaseExpiresAt = &expires
	o.Deliveries++
	out := *o
	return &out, nil
}

func (s *Store) MarkProcessed(_ context.Context, id int64, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findStaged(id)
	if o == nil {
		return fmt.Errorf("mark staged outcome %d processed: %w", id, appErrors.ErrStagedNotFound)
	}
	if o.ProcessedAt == nil {
		o.ProcessedAt = &at
	}
	o.Processed = true
	o.Note = note
	o.LeaseOwner = ""
	o.LeaseExpiresAt = nil
	return nil
}

func (s *Store) AnnotateStaged(_ context.Context, id int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findStaged(id)
	if o == nil {
		return fmt.Errorf("annotate staged outcome %d: %w", id, appErrors.ErrStagedNotFound)
	}
	if !o.Processed {
		o.Note = note
	}
	return nil
}

func (s *Store) GetStaged(_ context.Context, id int64) (*model.StagedOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findStaged(id)
	if o == nil {
		return nil, fmt.Errorf("get staged outcome %d: %w", id, appErrors.ErrStagedNotFound)
	}
	out := *o
	return &out, nil
}

func (s *Store) findStaged(id int64) *model.StagedOutcome {
	for _, o := range s.staged {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// ReplaceSnapshots builds the new view off to the side and swaps it in.
func (s *Store) ReplaceSnapshots(_ context.Context, snaps []model.StateSnapshot) error {
	next := make(map[string]model.StateSnapshot, len(snaps))
	for _, sn := range snaps {
		next[sn.EnrollmentID] = sn
	}
	s.snapMu.Lock()
	s.snapshots.Store(&next)
	s.snapMu.Unlock()
	return nil
}

// UpsertSnapshot copies the current view, so concurrent readers keep the
// map they already loaded.
func (s *Store) UpsertSnapshot(_ context.Context, snap model.StateSnapshot) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	cur := *s.snapshots.Load()
	next := make(map[string]model.StateSnapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[snap.EnrollmentID] = snap
	s.snapshots.Store(&next)
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, enrollmentID string) (*model.StateSnapshot, error) {
	view := *s.snapshots.Load()
	snap, ok := view[enrollmentID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func cloneEnrollment(e *model.Enrollment) *model.Enrollment {
	c := *e
	if e.CurrentStepID != nil {
		v := *e.CurrentStepID
		c.CurrentStepID = &v
	}
	if e.NextChannel != nil {
		v := *e.NextChannel
		c.NextChannel = &v
	}
	if e.NextRunAt != nil {
		v := *e.NextRunAt
		c.NextRunAt = &v
	}
	if e.EndedAt != nil {
		v := *e.EndedAt
		c.EndedAt = &v
	}
	return &c
}
