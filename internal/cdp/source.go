package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pixelwatch/internal/model"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// Submitter is the engine intake (worker.Manager).
type Submitter interface {
	Submit(ctx context.Context, ev model.Event) error
}

// Source
// ------------------------------------------------------------
// Attaches to a running browser over its DevTools websocket, listens on
// every page target and submits translated events to the engine. The
// browser is never launched or closed here; the context id of a page is
// its target id.
type Source struct {
	controlURL string
	sink       Submitter
	tr         *Translator
	log        zerolog.Logger

	mu    sync.Mutex
	pages map[proto.TargetTargetID]context.CancelFunc
	wg    sync.WaitGroup
}

func NewSource(controlURL string, sink Submitter, tr *Translator, log zerolog.Logger) *Source {
	return &Source{
		controlURL: controlURL,
		sink:       sink,
		tr:         tr,
		log:        log,
		pages:      make(map[proto.TargetTargetID]context.CancelFunc),
	}
}

// Run blocks until ctx is done or the browser connection drops.
func (s *Source) Run(ctx context.Context) error {
	b := rod.New().ControlURL(s.controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("cdp: connect: %w", err)
	}
	s.log.Info().Str("url", s.controlURL).Msg("cdp connected")

	wait := b.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo != nil && e.TargetInfo.Type == proto.TargetTargetInfoTypePage {
				s.attach(ctx, b, e.TargetInfo.TargetID)
			}
		},
		func(e *proto.TargetTargetDestroyed) {
			s.detach(ctx, e.TargetID)
		},
	)

	// also replays targetCreated for pages that already exist
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("cdp: discover targets: %w", err)
	}

	wait()

	s.mu.Lock()
	for id, cancel := range s.pages {
		cancel()
		delete(s.pages, id)
	}
	s.mu.Unlock()
	s.wg.Wait()

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Pages is the number of attached page targets.
func (s *Source) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

func (s *Source) attach(ctx context.Context, b *rod.Browser, id proto.TargetTargetID) {
	s.mu.Lock()
	if _, ok := s.pages[id]; ok {
		s.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	s.pages[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		page, err := b.PageFromTarget(id)
		if err != nil {
			s.log.Warn().Err(err).Str("target", string(id)).Msg("cdp attach failed")
			s.forget(id)
			return
		}
		p := page.Context(pctx)
		contextID := string(id)

		wait := p.EachEvent(
			func(e *proto.NetworkRequestWillBeSent) {
				if ev, ok := s.tr.RequestWillBeSent(contextID, e); ok {
					s.emit(pctx, ev)
				}
			},
			func(e *proto.NetworkLoadingFinished) {
				if ev, ok := s.tr.LoadingFinished(contextID, e); ok {
					s.emit(pctx, ev)
				}
			},
			func(e *proto.NetworkLoadingFailed) {
				if ev, ok := s.tr.LoadingFailed(contextID, e); ok {
					s.emit(pctx, ev)
				}
			},
			func(e *proto.PageLoadEventFired) {
				s.emit(pctx, s.tr.LoadEventFired(contextID))
			},
		)

		if err := (proto.NetworkEnable{}).Call(p); err != nil {
			s.log.Warn().Err(err).Str("target", contextID).Msg("cdp network enable failed")
			s.forget(id)
			return
		}
		if err := (proto.PageEnable{}).Call(p); err != nil {
			s.log.Warn().Err(err).Str("target", contextID).Msg("cdp page enable failed")
		}

		s.log.Debug().Str("target", contextID).Msg("cdp page attached")
		s.emit(pctx, s.tr.Focus(contextID))
		wait()
	}()
}

func (s *Source) detach(ctx context.Context, id proto.TargetTargetID) {
	if !s.forget(id) {
		return
	}
	s.log.Debug().Str("target", string(id)).Msg("cdp page detached")
	s.emit(ctx, s.tr.TargetDestroyed(string(id)))
}

func (s *Source) forget(id proto.TargetTargetID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.pages[id]
	if ok {
		cancel()
		delete(s.pages, id)
	}
	return ok
}

func (s *Source) emit(ctx context.Context, ev model.Event) {
	if err := s.sink.Submit(ctx, ev); err != nil {
		s.log.Debug().Err(err).Str("kind", string(ev.Kind)).Str("context", ev.ContextID).Msg("cdp event not submitted")
	}
}
