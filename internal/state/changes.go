package state

import (
	"context"
	"errors"
)

// ErrCannotCalculateChanges indicates sinceState predates the retained log.
var ErrCannotCalculateChanges = errors.New("cannot calculate changes")

// ChangesOptions control GetChanges behavior.
type ChangesOptions struct {
	// UpToID, when set, stops the window after the first entry whose object
	// id matches, so a caller can page to a known point.
	UpToID string
	// IncludeUpdatedProperties asks for the common updatedProperties list
	// when every update entry in the window names the same properties.
	IncludeUpdatedProperties bool
}

// GetChanges returns the collapsed created/updated/destroyed id sets for all
// changes with modSeq > sinceState. An object created then updated within the
// window collapses to created; created then destroyed is dropped entirely;
// anything else ending in destroy is destroyed.
func (r *Repository) GetChanges(ctx context.Context, accountID string, objectType ObjectType, sinceState int64, maxChanges int, opts ChangesOptions) (*ChangesResult, error) {
	currentState, err := r.GetCurrentState(ctx, accountID, objectType)
	if err != nil {
		return nil, err
	}

	result := &ChangesResult{
		OldState:  FormatState(sinceState),
		NewState:  FormatState(currentState),
		Created:   []string{},
		Updated:   []string{},
		Destroyed: []string{},
	}

	if sinceState >= currentState {
		return result, nil
	}

	// Reject a sinceState older than the retained log: entries before it
	// have expired and the window would silently miss changes.
	if sinceState > 0 {
		oldest, err := r.GetOldestAvailableState(ctx, accountID, objectType)
		if err != nil {
			return nil, err
		}
		if oldest > sinceState+1 {
			return nil, ErrCannotCalculateChanges
		}
	}

	records, err := r.QueryChanges(ctx, accountID, objectType, sinceState, maxChanges)
	if err != nil {
		return nil, err
	}

	if maxChanges > 0 && len(records) > maxChanges {
		records = records[:maxChanges]
		result.HasMoreChanges = true
	}

	if opts.UpToID != "" {
		for i, rec := range records {
			if rec.ObjectID == opts.UpToID {
				if i+1 < len(records) {
					result.HasMoreChanges = true
				}
				records = records[:i+1]
				break
			}
		}
	}

	if len(records) == 0 {
		return result, nil
	}

	if result.HasMoreChanges {
		result.NewState = FormatState(records[len(records)-1].State)
	}

	type objectWindow struct {
		createdInWindow bool
		lastChange      ChangeType
		order           int
	}

	windows := make(map[string]*objectWindow)
	order := make([]string, 0, len(records))

	updatedPropsSame := true
	var updatedProps []string

	for _, rec := range records {
		w, ok := windows[rec.ObjectID]
		if !ok {
			w = &objectWindow{order: len(order)}
			order = append(order, rec.ObjectID)
			windows[rec.ObjectID] = w
			w.createdInWindow = rec.ChangeType == ChangeTypeCreated
		}
		w.lastChange = rec.ChangeType

		if rec.ChangeType == ChangeTypeUpdated && opts.IncludeUpdatedProperties {
			if updatedProps == nil {
				updatedProps = rec.UpdatedProperties
			} else if !stringSlicesEqual(updatedProps, rec.UpdatedProperties) {
				updatedPropsSame = false
			}
		}
	}

	for _, id := range order {
		w := windows[id]
		switch {
		case w.createdInWindow && w.lastChange == ChangeTypeDestroyed:
			// Never visible to this client; drop.
		case w.createdInWindow:
			result.Created = append(result.Created, id)
		case w.lastChange == ChangeTypeDestroyed:
			result.Destroyed = append(result.Destroyed, id)
		default:
			result.Updated = append(result.Updated, id)
		}
	}

	if opts.IncludeUpdatedProperties && updatedPropsSame && len(updatedProps) > 0 && len(result.Updated) > 0 {
		result.UpdatedProperties = updatedProps
	}

	return result, nil
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
