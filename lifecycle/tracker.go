// Package lifecycle tracks the state machines of abnormalities, kaizens and
// root cause analyses, and the lifecycle activity of each window.
package lifecycle

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"kpiengine/models"
)

// Tracker owns every lifecycle record. Stage validates and mutates under one
// lock so a rejected report leaves no trace.
type Tracker struct {
	mu            sync.RWMutex
	abnormalities map[string]*models.Abnormality
	kaizens       map[string]*models.Kaizen
	rcas          map[string]*models.RootCauseAnalysis
	activity      map[string]*models.AbnormalityActivity
	repeatWindow  time.Duration
}

// NewTracker creates a tracker. repeatWindow is the rolling window within
// which two closures of the same failure count as a repeated failure.
func NewTracker(repeatWindow time.Duration) *Tracker {
	return &Tracker{
		abnormalities: make(map[string]*models.Abnormality),
		kaizens:       make(map[string]*models.Kaizen),
		rcas:          make(map[string]*models.RootCauseAnalysis),
		activity:      make(map[string]*models.AbnormalityActivity),
		repeatWindow:  repeatWindow,
	}
}

// Handles reports whether the tracker consumes events of kind k.
func Handles(k models.EventKind) bool {
	return k == models.KindAbnormalityReport || k == models.KindKaizenReport || k == models.KindRootCauseReport
}

// Stage validates ev and, if valid, applies it and records the activity in
// every window key. Events of other kinds are ignored. The returned rollback
// restores the touched record and window activity to their prior values.
func (t *Tracker) Stage(ev *models.Event, keys []models.SnapshotKey) (rollback func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(ev, ev.OccurredAt.UTC()); err != nil {
		return nil, err
	}

	restoreRecord := t.saveRecord(ev.Payload)
	restoreActivity := t.saveActivity(keys)

	at := ev.OccurredAt.UTC()
	switch p := ev.Payload.(type) {
	case models.AbnormalityReport:
		t.applyAbnormality(ev, p, at, keys)
	case models.KaizenReport:
		t.applyKaizen(ev, p, at, keys)
	case models.RootCauseReport:
		t.applyRCA(ev, p, at, keys)
	}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		restoreRecord()
		restoreActivity()
	}, nil
}

// saveRecord must be called with t.mu held.
func (t *Tracker) saveRecord(p models.Payload) func() {
	switch p := p.(type) {
	case models.AbnormalityReport:
		id := p.AbnormalityID
		prev, ok := t.abnormalities[id]
		if !ok {
			return func() { delete(t.abnormalities, id) }
		}
		saved := copyAbnormality(prev)
		return func() { t.abnormalities[id] = &saved }
	case models.KaizenReport:
		id := p.KaizenID
		prev, ok := t.kaizens[id]
		if !ok {
			return func() { delete(t.kaizens, id) }
		}
		saved := copyKaizen(prev)
		return func() { t.kaizens[id] = &saved }
	case models.RootCauseReport:
		id := p.RCAID
		prev, ok := t.rcas[id]
		if !ok {
			return func() { delete(t.rcas, id) }
		}
		saved := copyRCA(prev)
		return func() { t.rcas[id] = &saved }
	}
	return func() {}
}

// saveActivity must be called with t.mu held.
func (t *Tracker) saveActivity(keys []models.SnapshotKey) func() {
	saved := make(map[string]*models.AbnormalityActivity, len(keys))
	for _, k := range keys {
		if a, ok := t.activity[k.ID()]; ok {
			cp := *a
			saved[k.ID()] = &cp
		} else {
			saved[k.ID()] = nil
		}
	}
	return func() {
		for id, a := range saved {
			if a == nil {
				delete(t.activity, id)
				continue
			}
			t.activity[id] = a
		}
	}
}

// check validates a report against the current record, including that it
// does not predate the state it moves from.
func (t *Tracker) check(ev *models.Event, at time.Time) error {
	switch p := ev.Payload.(type) {
	case models.AbnormalityReport:
		return t.checkAbnormality(p, at)
	case models.KaizenReport:
		return t.checkKaizen(p, at)
	case models.RootCauseReport:
		return t.checkRCA(p, at)
	}
	return nil
}

func (t *Tracker) checkAbnormality(p models.AbnormalityReport, at time.Time) error {
	a, exists := t.abnormalities[p.AbnormalityID]
	if p.Action == models.AbnormalityActionIdentify {
		if exists {
			return transition("abnormality", a.ID, string(a.State), string(models.AbnormalityIdentified))
		}
		return nil
	}
	if !exists {
		return models.Validationf("unknown abnormality %q", p.AbnormalityID)
	}

	var target models.AbnormalityState
	since, label := a.IdentifiedAt, "identified_at"
	switch p.Action {
	case models.AbnormalityActionNote:
		return notBefore("abnormality", a.ID, at, since, label)
	case models.AbnormalityActionStart:
		target = models.AbnormalityInProgress
	case models.AbnormalityActionClose:
		target = models.AbnormalityClosed
		if a.StartedAt != nil {
			since, label = *a.StartedAt, "started_at"
		}
	}
	if next, ok := a.State.Next(); !ok || next != target {
		return transition("abnormality", a.ID, string(a.State), string(target))
	}
	return notBefore("abnormality", a.ID, at, since, label)
}

func (t *Tracker) applyAbnormality(ev *models.Event, p models.AbnormalityReport, at time.Time, keys []models.SnapshotKey) {
	switch p.Action {
	case models.AbnormalityActionIdentify:
		t.abnormalities[p.AbnormalityID] = &models.Abnormality{
			ID:           p.AbnormalityID,
			EquipmentID:  ev.EquipmentID,
			LineID:       ev.LineID,
			Category:     p.Category,
			State:        models.AbnormalityIdentified,
			SparesCost:   p.SparesCost,
			Description:  p.Description,
			IdentifiedAt: at,
		}
		t.record(keys, func(a *models.AbnormalityActivity) {
			a.Identified++
			a.SparesCostIdentified += p.SparesCost
		})
	case models.AbnormalityActionStart:
		a := t.abnormalities[p.AbnormalityID]
		a.State = models.AbnormalityInProgress
		a.StartedAt = &at
		t.record(keys, func(a *models.AbnormalityActivity) { a.Started++ })
	case models.AbnormalityActionClose:
		a := t.abnormalities[p.AbnormalityID]
		a.State = models.AbnormalityClosed
		a.ClosedAt = &at
		t.record(keys, func(a *models.AbnormalityActivity) { a.Closed++ })
	case models.AbnormalityActionNote:
		a := t.abnormalities[p.AbnormalityID]
		a.Notes = append(a.Notes, models.AuditNote{At: at, Text: p.Note})
	}
	if p.Note != "" && p.Action != models.AbnormalityActionNote {
		a := t.abnormalities[p.AbnormalityID]
		a.Notes = append(a.Notes, models.AuditNote{At: at, Text: p.Note})
	}
}

func (t *Tracker) checkKaizen(p models.KaizenReport, at time.Time) error {
	k, exists := t.kaizens[p.KaizenID]
	switch p.Action {
	case models.KaizenActionImplement:
		if exists {
			return transition("kaizen", k.ID, string(k.State), string(models.KaizenImplemented))
		}
	case models.KaizenActionReplicate:
		if !exists {
			return models.Validationf("unknown kaizen %q", p.KaizenID)
		}
		if strings.EqualFold(strings.TrimSpace(p.TargetSite), k.Site) {
			return models.Validationf("kaizen %s cannot be replicated to its origin site %s", k.ID, k.Site)
		}
		return notBefore("kaizen", k.ID, at, k.ImplementedAt, "implemented_at")
	}
	return nil
}

func (t *Tracker) applyKaizen(ev *models.Event, p models.KaizenReport, at time.Time, keys []models.SnapshotKey) {
	switch p.Action {
	case models.KaizenActionImplement:
		t.kaizens[p.KaizenID] = &models.Kaizen{
			ID:             p.KaizenID,
			EquipmentID:    ev.EquipmentID,
			Classification: p.Classification,
			State:          models.KaizenImplemented,
			Site:           strings.TrimSpace(p.Site),
			Title:          p.Title,
			ImplementedAt:  at,
			Replications:   make(map[string]int64),
		}
		t.record(keys, func(a *models.AbnormalityActivity) { a.KaizensImplemented++ })
	case models.KaizenActionReplicate:
		k := t.kaizens[p.KaizenID]
		k.State = models.KaizenReplicated
		k.Replications[strings.TrimSpace(p.TargetSite)]++
		t.record(keys, func(a *models.AbnormalityActivity) { a.KaizensReplicated++ })
	}
}

func (t *Tracker) checkRCA(p models.RootCauseReport, at time.Time) error {
	r, exists := t.rcas[p.RCAID]
	switch p.Action {
	case models.RCAActionOpen:
		if exists {
			return transition("rca", r.ID, string(r.State), string(models.RCAPending))
		}
	case models.RCAActionClose:
		if !exists {
			return models.Validationf("unknown rca %q", p.RCAID)
		}
		if r.State != models.RCAPending {
			return transition("rca", r.ID, string(r.State), string(models.RCAClosed))
		}
		return notBefore("rca", r.ID, at, r.OpenedAt, "opened_at")
	}
	return nil
}

func (t *Tracker) applyRCA(ev *models.Event, p models.RootCauseReport, at time.Time, keys []models.SnapshotKey) {
	switch p.Action {
	case models.RCAActionOpen:
		t.rcas[p.RCAID] = &models.RootCauseAnalysis{
			ID:          p.RCAID,
			EquipmentID: ev.EquipmentID,
			LinkedIDs:   append([]string(nil), p.LinkedIDs...),
			FailureCode: p.FailureCode,
			RootCause:   p.RootCause,
			State:       models.RCAPending,
			OpenedAt:    at,
		}
		t.record(keys, func(a *models.AbnormalityActivity) { a.RCAsOpened++ })
	case models.RCAActionClose:
		r := t.rcas[p.RCAID]
		r.State = models.RCAClosed
		r.ClosedAt = &at
		if p.RootCause != "" {
			r.RootCause = p.RootCause
		}
		t.record(keys, func(a *models.AbnormalityActivity) { a.RCAsClosed++ })
	}
}

// record must be called with t.mu held.
func (t *Tracker) record(keys []models.SnapshotKey, fn func(*models.AbnormalityActivity)) {
	for _, k := range keys {
		a, ok := t.activity[k.ID()]
		if !ok {
			a = &models.AbnormalityActivity{}
			t.activity[k.ID()] = a
		}
		fn(a)
	}
}

// Activity returns the lifecycle activity recorded in key's window.
func (t *Tracker) Activity(key models.SnapshotKey) models.AbnormalityActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.activity[key.ID()]; ok {
		return *a
	}
	return models.AbnormalityActivity{}
}

// SeedActivity restores a window's activity unless it is already tracked.
func (t *Tracker) SeedActivity(key models.SnapshotKey, a models.AbnormalityActivity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.activity[key.ID()]; !ok {
		t.activity[key.ID()] = &a
	}
}

// DropActivity forgets a finalized window's activity.
func (t *Tracker) DropActivity(key models.SnapshotKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.activity, key.ID())
}

// Abnormality returns a copy of one abnormality.
func (t *Tracker) Abnormality(id string) (models.Abnormality, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.abnormalities[id]
	if !ok {
		return models.Abnormality{}, fmt.Errorf("abnormality %s: %w", id, models.ErrNotFound)
	}
	return copyAbnormality(a), nil
}

// AbnormalitySummary counts abnormalities per category and globally.
func (t *Tracker) AbnormalitySummary(filter models.AbnormalityFilter) models.AbnormalitySummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	perCategory := make(map[models.AbnormalityCategory]*models.StateCounts)
	var summary models.AbnormalitySummary
	for _, a := range t.abnormalities {
		if !filter.Matches(a) {
			continue
		}
		c, ok := perCategory[a.Category]
		if !ok {
			c = &models.StateCounts{}
			perCategory[a.Category] = c
		}
		c.Add(a.State)
		summary.Global.Add(a.State)
		if a.State != models.AbnormalityClosed {
			summary.SparesRequiredCost += a.SparesCost
		}
	}

	for _, cat := range models.AllAbnormalityCategories {
		if filter.Category != "" && cat != filter.Category {
			continue
		}
		cc := models.CategoryCounts{Category: cat}
		if c, ok := perCategory[cat]; ok {
			cc.StateCounts = *c
		}
		summary.Categories = append(summary.Categories, cc)
	}
	return summary
}

// KaizenSummary counts kaizens per PQCDSE class, optionally for one equipment.
func (t *Tracker) KaizenSummary(equipmentID string) models.KaizenSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	perClass := make(map[models.KaizenClassification]*models.ClassificationCounts)
	var summary models.KaizenSummary
	for _, k := range t.kaizens {
		if equipmentID != "" && k.EquipmentID != equipmentID {
			continue
		}
		c, ok := perClass[k.Classification]
		if !ok {
			c = &models.ClassificationCounts{Classification: k.Classification}
			perClass[k.Classification] = c
		}
		summary.Implemented++
		c.Implemented++
		if k.State == models.KaizenReplicated {
			summary.Replicated++
			c.Replicated++
		}
		for _, n := range k.Replications {
			summary.ReplicationCount += n
		}
	}
	for _, cls := range models.AllKaizenClassifications {
		cc := models.ClassificationCounts{Classification: cls}
		if c, ok := perClass[cls]; ok {
			cc = *c
		}
		summary.Classifications = append(summary.Classifications, cc)
	}
	return summary
}

// RCAs returns every root cause analysis with IsRepeatedFailure computed,
// ordered by id.
func (t *Tracker) RCAs() []models.RootCauseAnalysis {
	t.mu.RLock()
	defer t.mu.RUnlock()

	repeated := t.repeatedLocked()
	out := make([]models.RootCauseAnalysis, 0, len(t.rcas))
	for _, r := range t.rcas {
		cp := copyRCA(r)
		cp.IsRepeatedFailure = repeated[r.ID]
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RCASummary counts pending, closed and repeated-failure analyses.
func (t *Tracker) RCASummary() models.RCASummary {
	var summary models.RCASummary
	for _, r := range t.RCAs() {
		switch r.State {
		case models.RCAPending:
			summary.Pending++
		case models.RCAClosed:
			summary.Closed++
		}
		if r.IsRepeatedFailure {
			summary.RepeatedFailures++
			summary.RepeatedIDs = append(summary.RepeatedIDs, r.ID)
		}
	}
	return summary
}

// repeatedLocked flags closed analyses whose failure recurred on the same
// equipment within the repeat window. Both occurrences are flagged.
func (t *Tracker) repeatedLocked() map[string]bool {
	groups := make(map[string][]*models.RootCauseAnalysis)
	for _, r := range t.rcas {
		if r.State != models.RCAClosed || r.ClosedAt == nil {
			continue
		}
		g := r.EquipmentID + "|" + strings.ToLower(strings.TrimSpace(r.FailureCode))
		groups[g] = append(groups[g], r)
	}

	flagged := make(map[string]bool)
	for _, rs := range groups {
		sort.Slice(rs, func(i, j int) bool { return rs[i].ClosedAt.Before(*rs[j].ClosedAt) })
		for i := 1; i < len(rs); i++ {
			if rs[i].ClosedAt.Sub(*rs[i-1].ClosedAt) <= t.repeatWindow {
				flagged[rs[i].ID] = true
				flagged[rs[i-1].ID] = true
			}
		}
	}
	return flagged
}

func copyAbnormality(a *models.Abnormality) models.Abnormality {
	cp := *a
	cp.Notes = append([]models.AuditNote(nil), a.Notes...)
	return cp
}

func copyKaizen(k *models.Kaizen) models.Kaizen {
	cp := *k
	cp.Replications = make(map[string]int64, len(k.Replications))
	for site, n := range k.Replications {
		cp.Replications[site] = n
	}
	return cp
}

func copyRCA(r *models.RootCauseAnalysis) models.RootCauseAnalysis {
	cp := *r
	cp.LinkedIDs = append([]string(nil), r.LinkedIDs...)
	return cp
}

func notBefore(entity, id string, at, since time.Time, label string) error {
	if at.Before(since) {
		return models.Validationf("%s %s: occurred_at %s is before %s %s",
			entity, id, at.Format(time.RFC3339), label, since.Format(time.RFC3339))
	}
	return nil
}

func transition(entity, id, from, to string) error {
	return &models.TransitionError{Entity: entity, ID: id, From: from, To: to}
}
