// Package app wires the voicelink subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds the transport, the
// protocol session and the audio pipeline from the config, Run holds the
// conversation open until the context ends, and Shutdown tears everything
// down in order.
//
// For testing, inject test doubles via functional options (WithTransport,
// WithHost, WithCodecs). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/pipeline"
	"github.com/MrWong99/voicelink/internal/protocol"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/device"
	"github.com/MrWong99/voicelink/pkg/audio/opus"
)

// playbackFrame is the frame duration of decoded server audio.
const playbackFrame = 20 * time.Millisecond

// App owns all subsystem lifetimes of the voicelink client.
type App struct {
	cfg     *config.Config
	level   *slog.LevelVar
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	registry  *config.Registry
	transport protocol.Transport
	host      device.Host
	newHost   func() (device.Host, error)
	enc       audio.FrameEncoder
	dec       audio.FrameDecoder
	aec       audio.EchoCanceller
	pipe      *pipeline.Pipeline
	session   *protocol.Session
	sessions  *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport injects a transport instead of creating one from the registry.
func WithTransport(t protocol.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithRegistry replaces the transport registry. Defaults to [NewRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithHost injects an audio host instead of opening miniaudio.
func WithHost(h device.Host) Option {
	return func(a *App) { a.host = h }
}

// WithHostFactory replaces the function that opens the audio backend when no
// host is injected. Defaults to [device.NewMalgoHost].
func WithHostFactory(fn func() (device.Host, error)) Option {
	return func(a *App) { a.newHost = fn }
}

// WithCodecs injects the capture encoder and playback decoder instead of
// creating Opus codecs.
func WithCodecs(enc audio.FrameEncoder, dec audio.FrameDecoder) Option {
	return func(a *App) {
		a.enc = enc
		a.dec = dec
	}
}

// WithEchoCanceller links in an echo canceller. It is used only when
// audio.echo_cancellation is enabled.
func WithEchoCanceller(ec audio.EchoCanceller) Option {
	return func(a *App) { a.aec = ec }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets hot reload adjust the log level of the handler built
// in main.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must have been
// validated. On error, everything created so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(); err != nil {
		_ = a.Shutdown(ctx)
		return nil, err
	}

	slog.Info("app initialised",
		"protocol", cfg.Protocol.Kind,
		"transport", a.transport.Name(),
		"listen_mode", cfg.Protocol.ListenMode,
		"echo_cancellation", cfg.Audio.EchoCancellation && a.aec != nil,
	)
	return a, nil
}

func (a *App) init() error {
	// ── 1. Transport ─────────────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		return fmt.Errorf("app: init transport: %w", err)
	}

	// ── 2. Codecs ────────────────────────────────────────────────────────
	if err := a.initCodecs(); err != nil {
		return fmt.Errorf("app: init codecs: %w", err)
	}

	// ── 3. Audio host ────────────────────────────────────────────────────
	a.initHost()

	// ── 4. Pipeline ──────────────────────────────────────────────────────
	a.initPipeline()

	// ── 5. Protocol session ──────────────────────────────────────────────
	a.initSession()
	return nil
}

func (a *App) initTransport() error {
	if a.transport != nil {
		return nil
	}
	if a.registry == nil {
		a.registry = NewRegistry(a.metrics)
	}
	t, err := a.registry.Create(a.cfg)
	if err != nil {
		return err
	}
	a.transport = t
	return nil
}

func (a *App) initCodecs() error {
	ap := a.cfg.Protocol.AudioParams
	if a.enc == nil {
		enc, err := opus.NewEncoder(ap.SampleRate, ap.Channels, time.Duration(ap.FrameDuration)*time.Millisecond)
		if err != nil {
			return err
		}
		a.enc = enc
	}
	if a.dec == nil {
		dec, err := opus.NewDecoder(a.cfg.Audio.PlaybackSampleRate, 1, playbackFrame)
		if err != nil {
			return err
		}
		a.dec = dec
	}
	return nil
}

// initHost opens the audio backend. Without one the client still holds the
// session; the pipeline runs with every stream disabled.
func (a *App) initHost() {
	if a.host != nil {
		return
	}
	if a.newHost == nil {
		a.newHost = func() (device.Host, error) { return device.NewMalgoHost() }
	}
	h, err := a.newHost()
	if err != nil {
		slog.Warn("app: audio backend unavailable, continuing without audio",
			"err", fmt.Errorf("%w: %w", pipeline.ErrResource, err))
		h = device.Unavailable(err)
	}
	a.host = h
}

func (a *App) initPipeline() {
	ac := a.cfg.Audio
	opts := []pipeline.Option{pipeline.WithMetrics(a.metrics)}
	if a.aec != nil {
		opts = append(opts, pipeline.WithEchoCanceller(a.aec))
	}
	a.pipe = pipeline.New(a.host, a.enc, a.dec, pipeline.Config{
		InputDevice:        ac.InputDevice,
		OutputDevice:       ac.OutputDevice,
		InputSampleRate:    ac.InputSampleRate,
		OutputSampleRate:   ac.OutputSampleRate,
		PeriodFrames:       ac.PeriodFrames,
		DetectionQueueSize: ac.DetectionQueueSize,
		PlaybackQueueSize:  ac.PlaybackQueueSize,
		EchoCancellation:   ac.EchoCancellation,
	}, opts...)
	a.closers = append(a.closers, a.pipe.Close, a.host.Close)
}

func (a *App) initSession() {
	pc := a.cfg.Protocol
	a.sessions = NewSessionManager(SessionManagerConfig{
		Pipeline:   a.pipe,
		ListenMode: protocol.ListenMode(pc.ListenMode),
	})
	a.session = protocol.NewSession(a.transport,
		protocol.WithListener(a.sessions),
		protocol.WithAudioParams(protocol.AudioParams{
			Format:        pc.AudioParams.Format,
			SampleRate:    pc.AudioParams.SampleRate,
			Channels:      pc.AudioParams.Channels,
			FrameDuration: pc.AudioParams.FrameDuration,
		}),
		protocol.WithHandshakeTimeout(pc.HandshakeTimeout),
		protocol.WithReconnectBackoff(a.cfg.Reconnect.Backoff, a.cfg.Reconnect.MaxBackoff),
		protocol.WithMetrics(a.metrics),
	)
	a.session.EnableAutoReconnect(a.cfg.Reconnect.Enabled, a.cfg.Reconnect.MaxAttempts)
	a.sessions.Attach(a.session)
	a.pipe.OnEncoded(a.session.SendAudio)

	// The session goes first so no callback reaches a closed pipeline.
	a.closers = append([]func() error{a.session.Close}, a.closers...)
}

// Session returns the protocol session.
func (a *App) Session() *protocol.Session { return a.session }

// Pipeline returns the audio pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Sessions returns the conversation manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ReadinessChecker reports the audio channel state for /readyz.
func (a *App) ReadinessChecker() health.Checker {
	return health.AudioChannel(a.session.IsAudioChannelOpened)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the conversation and blocks until ctx is cancelled or the
// connection is lost for good. When ctx is done, Run stops the conversation
// and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return err
	}

	slog.Info("app running", "session_id", a.session.SessionID())
	select {
	case <-ctx.Done():
	case err := <-a.sessions.Terminal():
		_ = a.sessions.Stop(context.WithoutCancel(ctx))
		return fmt.Errorf("app: %w", err)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := a.sessions.Stop(stopCtx); err != nil {
		slog.Warn("app: stop session", "err", err)
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of next. Changes that need a
// restart are logged.
func (a *App) ApplyConfig(next *config.Config) {
	diff := config.Diff(a.cfg, next)
	if diff.Empty() {
		return
	}

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Slog())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.ReconnectChanged {
		rc := diff.NewReconnect
		a.session.EnableAutoReconnect(rc.Enabled, rc.MaxAttempts)
	}
	if diff.InputChanged || diff.OutputChanged {
		a.pipe.SetDevices(pipeline.Devices{
			InputDevice:      next.Audio.InputDevice,
			InputSampleRate:  next.Audio.InputSampleRate,
			OutputDevice:     next.Audio.OutputDevice,
			OutputSampleRate: next.Audio.OutputSampleRate,
		})
	}
	if diff.InputChanged {
		if err := a.pipe.RestartInput(); err != nil && !errors.Is(err, pipeline.ErrResource) {
			slog.Warn("app: restart capture", "err", err)
		}
	}
	if diff.OutputChanged {
		if err := a.pipe.RestartOutput(); err != nil && !errors.Is(err, pipeline.ErrResource) {
			slog.Warn("app: restart playback", "err", err)
		}
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", diff.RestartRequired)
	}
	a.cfg = next
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the protocol session first, then the
// pipeline, then the audio host. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
