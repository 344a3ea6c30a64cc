package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"airtime/internal/events"
	"airtime/internal/models"
)

// tokenExpiryGrace is the margin applied when handing out tokens inline, so
// a token never expires mid-request.
const tokenExpiryGrace = time.Minute

// tokenTick refreshes every configured channel credential whose access token
// expires inside the refresh window. Channels flagged for re-authorization
// are skipped until an operator intervenes.
func (s *Scheduler) tokenTick(ctx context.Context) {
	creds, err := s.store.ListChannelCredentials(ctx)
	if err != nil {
		s.logger.Error("list channel credentials", "error", err)
		return
	}
	threshold := s.now().Add(s.cfg.TokenRefreshWindow)
	for _, cred := range creds {
		if cred.NeedsReauth || !cred.Configured() || strings.TrimSpace(cred.RefreshToken) == "" {
			continue
		}
		if cred.TokenExpiry.After(threshold) {
			continue
		}
		if _, err := s.refreshCredential(ctx, cred); err != nil {
			s.logger.Error("refresh channel token", "channel_id", cred.ChannelID, "error", err)
		}
	}
}

// TokenFor returns a usable access token for the channel, refreshing inline
// when the stored one is missing or about to expire.
func (s *Scheduler) TokenFor(ctx context.Context, channelID string) (string, error) {
	cred, err := s.store.GetChannelCredential(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("channel %s credential: %w", channelID, err)
	}
	if cred.NeedsReauth {
		return "", fmt.Errorf("channel %s requires re-authorization", channelID)
	}
	if cred.AccessToken != "" && cred.TokenExpiry.After(s.now().Add(tokenExpiryGrace)) {
		return cred.AccessToken, nil
	}
	refreshed, err := s.refreshCredential(ctx, cred)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refreshCredential exchanges the refresh token for a new access token and
// persists the result. A revoked grant flags the channel for re-auth instead
// of being retried.
func (s *Scheduler) refreshCredential(ctx context.Context, cred models.ChannelCredential) (models.ChannelCredential, error) {
	if strings.TrimSpace(s.cfg.TokenURL) == "" {
		return cred, fmt.Errorf("oauth token endpoint not configured")
	}
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.cfg.TokenURL},
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			if markErr := s.store.MarkChannelReauth(ctx, cred.ID); markErr != nil {
				s.logger.Error("flag channel for reauth", "channel_id", cred.ChannelID, "error", markErr)
			}
			s.metrics.TokenRefreshFailed("reauth")
			s.publish(ctx, events.Event{
				Type:      events.TypeReauthRequired,
				ChannelID: cred.ChannelID,
				Detail:    "refresh token revoked",
			})
			s.logger.Warn("channel refresh token revoked, re-authorization required", "channel_id", cred.ChannelID)
			return cred, fmt.Errorf("refresh token revoked for channel %s: %w", cred.ChannelID, err)
		}
		s.metrics.TokenRefreshFailed("error")
		return cred, fmt.Errorf("token refresh: %w", err)
	}

	if err := s.store.UpdateChannelToken(ctx, cred.ID, token.AccessToken, token.Expiry.UTC()); err != nil {
		return cred, fmt.Errorf("persist refreshed token: %w", err)
	}
	cred.AccessToken = token.AccessToken
	cred.TokenExpiry = token.Expiry.UTC()
	if token.RefreshToken != "" && token.RefreshToken != cred.RefreshToken {
		cred.RefreshToken = token.RefreshToken
		if _, err := s.store.UpsertChannelCredential(ctx, cred); err != nil {
			s.logger.Error("persist rotated refresh token", "channel_id", cred.ChannelID, "error", err)
		}
	}
	s.metrics.TokenRefreshed()
	s.publish(ctx, events.Event{
		Type:      events.TypeTokenRefreshed,
		ChannelID: cred.ChannelID,
	})
	s.logger.Info("channel token refreshed", "channel_id", cred.ChannelID, "expires_at", cred.TokenExpiry)
	return cred, nil
}
