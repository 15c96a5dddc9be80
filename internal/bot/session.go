package bot

import (
	"context"
	"errors"
	"time"

	"github.com/aqniet/reviews-radar/internal/store"
)

const (
	actionSubscribe = "subscribe"
	actionReviews   = "reviews"

	stepChoosing = "choosing"
	stepDateFrom = "date_from"
	stepDateTo   = "date_to"
	stepShowing  = "show_reviews"

	dateLayout = "2006-01-02"
)

// session is the persisted conversational state for one user. It survives
// process restarts; a background sweep prunes entries older than an hour.
type session struct {
	Action     string            `json:"action,omitempty"`
	Step       string            `json:"step,omitempty"`
	Selected   []string          `json:"selected_branches,omitempty"`
	Available  map[string]string `json:"available_branches,omitempty"`
	Order      []string          `json:"branch_order,omitempty"`
	BranchID   string            `json:"selected_branch_id,omitempty"`
	BranchName string            `json:"selected_branch_name,omitempty"`
	DateFrom   string            `json:"date_from,omitempty"`
	DateTo     string            `json:"date_to,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

func (s *session) hasSelected(branchID string) bool {
	for _, id := range s.Selected {
		if id == branchID {
			return true
		}
	}
	return false
}

func (s *session) toggle(branchID string) {
	for i, id := range s.Selected {
		if id == branchID {
			s.Selected = append(s.Selected[:i], s.Selected[i+1:]...)
			return
		}
	}
	s.Selected = append(s.Selected, branchID)
}

func (s *session) dateFrom() (time.Time, error) {
	return time.Parse(dateLayout, s.DateFrom)
}

func (s *session) dateTo() (time.Time, error) {
	return time.Parse(dateLayout, s.DateTo)
}

// loadSession returns (nil, nil) when the user has no persisted state.
func (b *Bot) loadSession(ctx context.Context, userID string) (*session, error) {
	var s session
	err := b.store.GetUserState(ctx, userID, &s)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *Bot) saveSession(ctx context.Context, userID string, s *session) error {
	return b.store.SaveUserState(ctx, userID, s)
}

func (b *Bot) clearSession(ctx context.Context, userID string) {
	if err := b.store.ClearUserState(ctx, userID); err != nil {
		b.logger.Warn("clear session failed", "user_id", userID, "error", err)
	}
}
