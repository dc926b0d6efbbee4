package platform

import (
	"context"
	"errors"
	"sync"

	"fleet-realtime/internal/apperr"
	"fleet-realtime/internal/models"

	"github.com/rs/zerolog"
)

// GeoAdapter wraps a PositionSource subscription: it forwards fixes, classifies positioning
// errors and owns the release of the subscription.
type GeoAdapter struct {
	source PositionSource
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewGeoAdapter(source PositionSource, logger zerolog.Logger) *GeoAdapter {
	if source == nil {
		source = NoPosition{}
	}
	return &GeoAdapter{
		source: source,
		logger: logger.With().Str("module", "geo-source").Logger(),
	}
}

// Start subscribes to the source. onFix and onError run on the adapter's goroutine.
// Starting an already started adapter is a no-op.
func (a *GeoAdapter) Start(ctx context.Context, onFix func(models.LocationUpdate), onError func(error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fixes, err := a.source.Watch(watchCtx)
	if err != nil {
		cancel()
		if apperr.KindOf(err) == "" {
			err = apperr.New(apperr.KindGeoSourceUnavailable, "watch", err)
		}
		a.logger.Warn().Err(err).Msg("position source unavailable")
		return err
	}

	done := make(chan struct{})
	a.cancel, a.done = cancel, done
	go func() {
		defer close(done)
		for f := range fixes {
			if f.Err != nil {
				err := f.Err
				if apperr.KindOf(err) == "" {
					err = apperr.New(apperr.KindGeoSource, "watch", err)
				}
				a.logger.Warn().Err(err).Msg("position error")
				if onError != nil {
					onError(err)
				}
				continue
			}
			onFix(f.Update)
		}
		a.logger.Debug().Msg("position stream closed")
	}()
	a.logger.Info().Msg("watching position")
	return nil
}

// Stop releases the subscription and waits for in-flight callbacks to return.
func (a *GeoAdapter) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a subscription is active.
func (a *GeoAdapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// IsUnavailable reports whether err means the platform has no position source at all.
func IsUnavailable(err error) bool {
	return errors.Is(err, apperr.ErrGeoSourceUnavailable)
}
