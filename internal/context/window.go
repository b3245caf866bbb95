package context

import (
	"context"
	"fmt"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

// windowBatch is how many records are fetched from history per round trip.
const windowBatch = 10

// LoadByTokens returns the most recent contiguous run of user's history whose
// total token count fits in budget, oldest first. Loading stops at the first
// record that does not fit, so the window never has gaps.
func LoadByTokens(ctx context.Context, history event.HistoryStore, user types.UserID, budget int) ([]event.Record, error) {
	var (
		newest []event.Record
		used   int
		before int64
	)

	for used < budget {
		batch, err := history.LoadWindow(ctx, user, event.Window{
			Limit:     windowBatch,
			BeforeSeq: before,
			Order:     event.NewestFirst,
		})
		if err != nil {
			return nil, fmt.Errorf("load history window: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			if used+rec.Tokens > budget {
				return oldestFirst(newest), nil
			}
			used += rec.Tokens
			newest = append(newest, rec)
			before = rec.Seq
		}
	}
	return oldestFirst(newest), nil
}

func oldestFirst(recs []event.Record) []event.Record {
	out := make([]event.Record, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r
	}
	return out
}
