package engine

import (
	"errors"

	"github.com/rohanthewiz/serr"

	"readsync/document"
)

// RecordMutation writes value to one field of an entry. For preferences
// entryID is the setting key and field is ignored. The write lands in the
// local document immediately, whatever the sync state.
func (e *Engine) RecordMutation(c document.Collection, entryID, field string, value any) error {
	u, err := e.log.Set(c, entryID, field, value)
	if err != nil {
		return err
	}
	return e.apply(u)
}

// Delete tombstones an entry, or one of its fields when field is set.
func (e *Engine) Delete(c document.Collection, entryID, field string) error {
	u, err := e.log.Delete(c, entryID, field)
	if err != nil {
		return err
	}
	return e.apply(u)
}

// AppendHistory records a reading history visit.
func (e *Engine) AppendHistory(visitID string, value any) error {
	u, err := e.log.Visit(visitID, value)
	if err != nil {
		return err
	}
	return e.apply(u)
}

// apply journals and applies updates as one local change.
func (e *Engine) apply(updates ...document.Update) error {
	if len(updates) == 0 {
		return nil
	}
	e.mu.Lock()
	for _, u := range updates {
		if err := e.local.Append(u); err != nil {
			e.mu.Unlock()
			return serr.Wrap(err, "failed to journal mutation")
		}
	}
	e.state.Document, _ = e.state.Document.Apply(updates...)
	e.state.LocalVersion++
	e.mu.Unlock()

	e.metrics.SetDirty(true)
	e.metrics.SetPending(e.log.Len())
	e.sched.Notify()
	return nil
}

// ============================================================================
// Lexicon rules
// ============================================================================

// AddLexiconRule creates a rule at the end of the list.
func (e *Engine) AddLexiconRule(id string, fields map[string]any) error {
	rules := e.View().LexiconRules
	last := ""
	for _, r := range rules {
		if r.ID == id {
			return serr.New("lexicon rule already exists: " + id)
		}
		last = r.Position()
	}
	pos, err := document.Between(last, "")
	if err != nil {
		return err
	}

	var updates []document.Update
	for name, value := range fields {
		if name == document.PositionField {
			continue
		}
		u, err := e.log.Set(document.LexiconRules, id, name, value)
		if err != nil {
			return err
		}
		updates = append(updates, u)
	}
	u, err := e.log.Set(document.LexiconRules, id, document.PositionField, pos)
	if err != nil {
		return err
	}
	return e.apply(append(updates, u)...)
}

// DeleteLexiconRule tombstones a rule. The record is kept until the
// retention window passes so stale replicas cannot revive it.
func (e *Engine) DeleteLexiconRule(id string) error {
	return e.Delete(document.LexiconRules, id, "")
}

// MoveLexiconRule moves a rule to index in the visible order. Only the
// moved rule's position changes unless the neighbouring keys leave no room,
// in which case every rule is given a fresh, evenly spread key.
func (e *Engine) MoveLexiconRule(id string, index int) error {
	rules := e.View().LexiconRules
	order := make([]document.Rule, 0, len(rules))
	found := false
	for _, r := range rules {
		if r.ID == id {
			found = true
			continue
		}
		order = append(order, r)
	}
	if !found {
		return serr.New("lexicon rule not found: " + id)
	}
	if index < 0 {
		index = 0
	}
	if index > len(order) {
		index = len(order)
	}

	var lo, hi string
	if index > 0 {
		lo = order[index-1].Position()
	}
	if index < len(order) {
		hi = order[index].Position()
	}
	pos, err := document.Between(lo, hi)
	if err == nil && len(pos) <= document.MaxPositionLen {
		u, err := e.log.Set(document.LexiconRules, id, document.PositionField, pos)
		if err != nil {
			return err
		}
		return e.apply(u)
	}
	if err != nil && !errors.Is(err, document.ErrNoRoom) {
		return err
	}

	// Equal keys from concurrent moves, or keys grown too long: respread
	moved := document.Rule{ID: id}
	order = append(order[:index], append([]document.Rule{moved}, order[index:]...)...)
	keys := document.Spread(len(order))
	updates := make([]document.Update, 0, len(order))
	for i, r := range order {
		u, err := e.log.Set(document.LexiconRules, r.ID, document.PositionField, keys[i])
		if err != nil {
			return err
		}
		updates = append(updates, u)
	}
	return e.apply(updates...)
}
