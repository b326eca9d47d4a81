package tools

import (
	"fmt"

	"github.com/parley-chat/parley/internal/llm"
)

// ErrToolUnaffordable is wrapped into the error returned when an
// explicitly requested tool cannot be covered by the available budget.
type ErrToolUnaffordable struct {
	Tool string
	Cost int64
}

func (e *ErrToolUnaffordable) Error() string {
	return fmt.Sprintf("tool %s requires %d credits", e.Tool, e.Cost)
}

// SelectActive decides which tools a turn may use.
//
// Without an explicit request the active set is every catalog tool the
// budget affords, filtered by what the model can do: models without
// input modalities get no tools at all, and reasoning models drop
// tools marked as conflicting. Unaffordable tools are silently skipped.
//
// An explicit request overrides the default set but not the checks: a
// requested tool the budget cannot cover is an error (the caller asked
// for something that cannot happen), while a requested tool the model
// cannot drive is dropped quietly, mirroring the implicit path. If the
// filters leave nothing of a non-empty request, the turn must not
// silently proceed toolless, so that errors too. An empty request
// means tools are deliberately disabled.
func SelectActive(catalog Catalog, model llm.ModelSpec, available int64, requested []string) ([]string, error) {
	if !model.SupportsTools() {
		if len(requested) == 0 {
			return nil, nil
		}
		name := requested[0]
		return nil, &ErrToolUnaffordable{Tool: name, Cost: catalog[name].Cost}
	}

	capable := func(entry CatalogEntry) bool {
		return !(model.Reasoning && entry.ConflictsWithReasoning)
	}

	if requested == nil {
		var active []string
		for _, name := range catalog.Names() {
			entry := catalog[name]
			if entry.Cost > available {
				continue
			}
			if !capable(entry) {
				continue
			}
			active = append(active, name)
		}
		return active, nil
	}

	var active []string
	seen := make(map[string]bool)
	for _, name := range requested {
		if seen[name] {
			continue
		}
		seen[name] = true
		entry, ok := catalog[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		if entry.Cost > available {
			return nil, &ErrToolUnaffordable{Tool: name, Cost: entry.Cost}
		}
		if !capable(entry) {
			continue
		}
		active = append(active, name)
	}
	if len(requested) > 0 && len(active) == 0 {
		name := requested[0]
		return nil, &ErrToolUnaffordable{Tool: name, Cost: catalog[name].Cost}
	}
	return active, nil
}

// HoldCost sums the catalog cost of the active tools, the amount added
// to the turn's credit hold.
func HoldCost(catalog Catalog, active []string) int64 {
	var total int64
	for _, name := range active {
		total += catalog[name].Cost
	}
	return total
}
