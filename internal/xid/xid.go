package xid

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered identifier.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// Sequencer is the fallback document-number source used when no external
// sequence service is wired in. Codes are unique but not gap-free.
type Sequencer struct {
	now func() time.Time
}

func NewSequencer() *Sequencer {
	return &Sequencer{now: time.Now}
}

func (s *Sequencer) Next(_ context.Context, prefix string, branchID string) (string, error) {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	branch := strings.ToUpper(strings.TrimSpace(branchID))
	if branch == "" {
		branch = "HQ"
	}
	return fmt.Sprintf("%s-%s-%s-%s", prefix, branch, s.now().UTC().Format("20060102"), suffix), nil
}
