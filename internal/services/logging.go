package services

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// logger returns the logger carried by ctx, or the global one when the
// caller did not attach any (scheduler goroutines, tests).
func logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// withCampaign scopes the context logger to one campaign. Helpers that log
// about a campaign expect the caller to have done this.
func withCampaign(ctx context.Context, campaignID string) context.Context {
	l := logger(ctx).With().Str("campaign_id", campaignID).Logger()
	return l.WithContext(ctx)
}
