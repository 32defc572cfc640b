package reconcile

import "github.com/pingsantohq/readiness/pkg/types"

// Detail is one rendered entry of a card.
type Detail struct {
	Label  string       `json:"label" yaml:"label"`
	Status types.Status `json:"status" yaml:"status"`
	Lines  []string     `json:"lines,omitempty" yaml:"lines,omitempty"`
}

// Card is the view state of one kind.
type Card struct {
	Kind    types.Kind `json:"kind" yaml:"kind"`
	Title   string     `json:"title" yaml:"title"`
	Status  CardStatus `json:"status" yaml:"status"`
	Count   int        `json:"count" yaml:"count"`
	Passed  int        `json:"passed" yaml:"passed"`
	Warned  int        `json:"warned" yaml:"warned"`
	Failed  int        `json:"failed" yaml:"failed"`
	Shrunk  bool       `json:"shrunk,omitempty" yaml:"shrunk,omitempty"`
	Details []Detail   `json:"details,omitempty" yaml:"details,omitempty"`
}

// Model is an immutable snapshot of every card. Use NewModel for the
// initial state and Merge to advance it.
type Model struct {
	cards map[types.Kind]Card
	meta  *types.RunMeta
}

// NewModel returns a model with every card pending.
func NewModel() Model {
	cards := make(map[types.Kind]Card, len(types.Kinds))
	for _, kind := range types.Kinds {
		cards[kind] = pendingCard(kind)
	}
	return Model{cards: cards}
}

func pendingCard(kind types.Kind) Card {
	return Card{Kind: kind, Title: Title(kind), Status: CardPending}
}

// Card returns the card for kind.
func (m Model) Card(kind types.Kind) Card {
	card, ok := m.cards[kind]
	if !ok {
		return pendingCard(kind)
	}
	card.Details = append([]Detail(nil), card.Details...)
	return card
}

// Cards returns every card in display order.
func (m Model) Cards() []Card {
	out := make([]Card, 0, len(types.Kinds))
	for _, kind := range types.Kinds {
		out = append(out, m.Card(kind))
	}
	return out
}

// Meta returns the device identity carried by the most recent merge, if any.
func (m Model) Meta() (types.RunMeta, bool) {
	if m.meta == nil {
		return types.RunMeta{}, false
	}
	return *m.meta, true
}

// Shrunk lists kinds whose latest merge carried fewer entries than the one
// before it.
func (m Model) Shrunk() []types.Kind {
	var out []types.Kind
	for _, kind := range types.Kinds {
		if m.cards[kind].Shrunk {
			out = append(out, kind)
		}
	}
	return out
}

func (m Model) clone() Model {
	cards := make(map[types.Kind]Card, len(types.Kinds))
	for _, kind := range types.Kinds {
		cards[kind] = m.Card(kind)
	}
	return Model{cards: cards, meta: m.meta}
}

// Merge folds results into m and returns the new model. Kinds that are
// absent or empty in results keep their previous card. A kind that is
// present is recomputed from its current entries only.
func Merge(m Model, results types.Results) Model {
	next := m.clone()
	if results.Meta != nil {
		meta := *results.Meta
		next.meta = &meta
	}
	for _, kind := range types.Kinds {
		entries := results.Entries(kind)
		status, ok := DeriveStatus(entries)
		if !ok {
			continue
		}
		prev := next.cards[kind]
		card := buildCard(kind, status, entries)
		card.Shrunk = len(entries) < prev.Count
		next.cards[kind] = card
	}
	return next
}

func buildCard(kind types.Kind, status CardStatus, entries []types.TestResult) Card {
	card := Card{
		Kind:    kind,
		Title:   Title(kind),
		Status:  status,
		Count:   len(entries),
		Details: make([]Detail, 0, len(entries)),
	}
	for i, entry := range entries {
		switch entry.Status {
		case types.StatusPass:
			card.Passed++
		case types.StatusWarn:
			card.Warned++
		case types.StatusFail:
			card.Failed++
		}
		card.Details = append(card.Details, Detail{
			Label:  Label(kind, entry, i),
			Status: entry.Status,
			Lines:  Lines(kind, entry),
		})
	}
	return card
}

// Finalize settles the model once the run is over: cards still running
// have no further data coming and return to pending.
func Finalize(m Model) Model {
	next := m.clone()
	for kind, card := range next.cards {
		if card.Status == CardRunning {
			card.Status = CardPending
			next.cards[kind] = card
		}
	}
	return next
}
