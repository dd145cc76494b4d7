// Package revalidate decides whether a cached entry is still current by asking
// the origin with a conditional HEAD instead of downloading it again.
package revalidate

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/cachedresource/cachedresource/internal/cache"
	"github.com/cachedresource/cachedresource/internal/transport"
)

// Outcome is the result of one revalidation.
type Outcome int

const (
	// Stale means the entry must be fetched again: there is none, or the
	// origin answered with anything but 304.
	Stale Outcome = iota
	// Fresh means the origin confirmed the cached representation with 304.
	Fresh
	// CheckFailed means the HEAD itself failed. Callers treat it like Fresh so
	// a flaky or unreachable origin is not hammered with downloads.
	CheckFailed
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case CheckFailed:
		return "check_failed"
	default:
		return "unknown"
	}
}

// NeedsUpdate folds the outcome into the boolean callers act on. CheckFailed
// and Fresh both report false.
func (o Outcome) NeedsUpdate() bool {
	return o == Stale
}

// Checker revalidates entries through a Transport.
type Checker struct {
	transport transport.Transport
	logger    *logrus.Logger
}

// NewChecker builds a Checker; a nil logger uses the logrus standard logger.
func NewChecker(t transport.Transport, logger *logrus.Logger) *Checker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Checker{transport: t, logger: logger}
}

// Check revalidates entry, the cached copy of id. A nil entry is Stale without
// any request being made.
func (c *Checker) Check(ctx context.Context, id string, entry *cache.Entry) Outcome {
	if entry == nil {
		return Stale
	}

	var validators *cache.Validators
	if !entry.Validators.Empty() {
		v := entry.Validators
		validators = &v
	}

	resp, err := transport.HeadDefault(ctx, c.transport, id, validators)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action":      "revalidate",
			"resource_id": id,
		}).Warn("revalidate_head_failed")
		return CheckFailed
	}
	if resp.StatusCode == http.StatusNotModified {
		return Fresh
	}
	return Stale
}
