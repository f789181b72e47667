// Package moderation asks a vision safety model whether media content is
// harmful under the 13-category hazard taxonomy.
//
// Moderators make exactly one backend call per Moderate; retries, timeouts
// and concurrency limits belong to the caller. Calls are deterministic
// (temperature 0, fixed seed) so repeating one is safe.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ashita-ai/kensa/internal/model"
)

// ErrUnavailable signals that the backend is definitely not serving (not
// running, refusing connections, model not installed, or reporting itself
// unavailable). Retrying will not help.
var ErrUnavailable = errors.New("moderation: backend unavailable")

// Request is one moderation call.
type Request struct {
	Frames   []model.Frame
	Taxonomy []model.HazardCategory
}

// Moderator classifies frames against the hazard taxonomy.
type Moderator interface {
	Moderate(ctx context.Context, req Request) (model.ModerationVerdict, error)
	ModelID() string
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// reply is the structured answer both backends produce.
type reply struct {
	Flagged    *bool    `json:"flagged"`
	Safe       *bool    `json:"safe"`
	Categories []string `json:"categories"`
}

// toVerdict validates a reply. Any listed category marks the content as
// flagged even if the model said otherwise.
func (r reply) toVerdict(modelID string) (model.ModerationVerdict, error) {
	var flagged bool
	switch {
	case r.Flagged != nil:
		flagged = *r.Flagged
	case r.Safe != nil:
		flagged = !*r.Safe
	default:
		return model.ModerationVerdict{}, errors.New("moderation: reply has neither flagged nor safe")
	}
	cats, err := parseCategories(r.Categories)
	if err != nil {
		return model.ModerationVerdict{}, err
	}
	return model.ModerationVerdict{
		Flagged:    flagged || len(cats) > 0,
		Categories: cats,
		ModelID:    modelID,
	}, nil
}

func parseCategories(raw []string) ([]model.HazardCategory, error) {
	cats := make([]model.HazardCategory, 0, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) == "" {
			continue
		}
		c, err := model.ParseHazardCategory(s)
		if err != nil {
			return nil, fmt.Errorf("moderation: %w", err)
		}
		cats = append(cats, c)
	}
	return model.SortCategories(cats), nil
}

// unavailableIfUnreachable maps connection-level failures to ErrUnavailable.
// Timeouts are not unavailability; they are retried by the caller.
func unavailableIfUnreachable(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func taxonomyOrDefault(t []model.HazardCategory) []model.HazardCategory {
	if len(t) == 0 {
		return model.HazardTaxonomy
	}
	return t
}
