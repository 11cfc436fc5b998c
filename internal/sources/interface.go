package sources

import (
	"context"
	"time"

	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// Source is a built-in collector. It returns posts mentioning any of the
// keywords that were published within since.
type Source interface {
	GetName() string
	FetchMentions(ctx context.Context, keywords []string, since time.Duration) ([]models.RawMention, error)
	IsEnabled() bool
}
