// Package attach attaches the Coral agent payload to the current process or to
// another process identified by pid.
//
// An attach combines three things: the payload path from the artifact cache,
// the agent configuration written to a single-use file by the materializer, and
// a strategy picked from the provider chain. The configuration travels as the
// short argument "c=<path>" because some strategies pass the argument through
// OS mechanisms with tight length limits.
package attach

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-attach/internal/artifact"
	"github.com/coral-mesh/coral-attach/internal/attach/strategy"
	"github.com/coral-mesh/coral-attach/internal/materialize"
	"github.com/coral-mesh/coral-attach/internal/process"
	"github.com/coral-mesh/coral-attach/internal/resource"
	"github.com/coral-mesh/coral-attach/internal/safe"
)

const (
	// DefaultConfigResource is the configuration resource read by Attach.
	DefaultConfigResource = "coral-agent.properties"

	// ConfigArgKey prefixes the configuration file path in the agent argument.
	// It is one letter on purpose: every byte counts against argument limits.
	ConfigArgKey = "c"
)

var (
	// ErrAttachment wraps every failed attach attempt.
	ErrAttachment = errors.New("failed to attach agent")

	// ErrAttachInProgress is returned when the current process is already
	// being attached by another goroutine.
	ErrAttachInProgress = errors.New("attach of the current process is already in progress")
)

// Error describes a failed attach. It unwraps to ErrAttachment and the cause.
type Error struct {
	Target   process.Target
	Strategy string
	Err      error
}

func (e *Error) Error() string {
	if e.Strategy == "" {
		return fmt.Sprintf("%v to %s: %v", ErrAttachment, e.Target, e.Err)
	}
	return fmt.Sprintf("%v to %s using %s strategy: %v", ErrAttachment, e.Target, e.Strategy, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrAttachment, e.Err}
}

// PayloadResolver supplies the payload path. *artifact.Cache implements it.
type PayloadResolver interface {
	Resolve() (artifact.Handle, error)
}

// ConfigMaterializer writes a configuration map to a single-use file.
// *materialize.Materializer implements it.
type ConfigMaterializer interface {
	Materialize(cfg materialize.Map) (string, error)
}

// Options configures an Attacher.
type Options struct {
	// Payload resolves the bundled payload. Nil means no payload is bundled.
	Payload PayloadResolver
	// Materializer writes configuration files. Required.
	Materializer ConfigMaterializer
	// Provider picks the attach strategy. Required.
	Provider strategy.Provider
	// Resources serves configuration resources for Attach and
	// AttachWithResource. Nil means no resources.
	Resources resource.Provider
	// Identity reports the current pid. Defaults to process.Self.
	Identity process.Identity
	// State tracks the current process. Defaults to NewState().
	State *State
	// Cleanup receives configuration files that could not be removed right
	// after attaching. Defaults to safe.DefaultExitCleanup(), which the
	// process owner drains with safe.RunExitCleanup.
	Cleanup *safe.ExitCleanup
	Logger  zerolog.Logger
}

// Attacher performs attach calls. It is safe for concurrent use.
type Attacher struct {
	payload      PayloadResolver
	materializer ConfigMaterializer
	provider     strategy.Provider
	resources    resource.Provider
	identity     process.Identity
	state        *State
	cleanup      *safe.ExitCleanup
	logger       zerolog.Logger

	remove func(string) error
}

// New creates an Attacher.
func New(opts Options) (*Attacher, error) {
	if opts.Materializer == nil {
		return nil, fmt.Errorf("config materializer is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("strategy provider is required")
	}

	logger := opts.Logger.With().Str("component", "attacher").Logger()

	a := &Attacher{
		payload:      opts.Payload,
		materializer: opts.Materializer,
		provider:     opts.Provider,
		resources:    opts.Resources,
		identity:     opts.Identity,
		state:        opts.State,
		cleanup:      opts.Cleanup,
		logger:       logger,
		remove:       os.Remove,
	}
	if a.resources == nil {
		a.resources = resource.Chain{}
	}
	if a.identity == nil {
		a.identity = process.Self{}
	}
	if a.state == nil {
		a.state = NewState()
	}
	if a.cleanup == nil {
		a.cleanup = safe.DefaultExitCleanup()
	}

	return a, nil
}

// State returns the attachment state of the current process.
func (a *Attacher) State() *State {
	return a.state
}

// Attach attaches the agent to the current process using the configuration in
// DefaultConfigResource, if present. Once attached, further calls return nil.
func (a *Attacher) Attach(ctx context.Context) error {
	return a.AttachWithResource(ctx, DefaultConfigResource)
}

// AttachWithResource attaches the agent to the current process using the
// configuration resource at location. A missing resource means an empty
// configuration.
func (a *Attacher) AttachWithResource(ctx context.Context, location string) error {
	cfg := materialize.LoadResource(a.resources, location, a.logger)
	return a.AttachConfig(ctx, cfg)
}

// AttachConfig attaches the agent to the current process with cfg.
func (a *Attacher) AttachConfig(ctx context.Context, cfg materialize.Map) error {
	return a.attach(ctx, request{target: process.Current(), config: cfg})
}

// AttachPID attaches the bundled agent to the process pid with cfg.
func (a *Attacher) AttachPID(ctx context.Context, pid string, cfg materialize.Map) error {
	return a.AttachPIDWithPayload(ctx, pid, cfg, "")
}

// AttachPIDWithPayload attaches the payload at payloadPath to the process pid
// with cfg. An empty payloadPath selects the bundled payload.
func (a *Attacher) AttachPIDWithPayload(ctx context.Context, pid string, cfg materialize.Map, payloadPath string) error {
	target, err := external(pid)
	if err != nil {
		return err
	}
	return a.attach(ctx, request{target: target, config: cfg, payload: payloadPath})
}

// AttachPIDRaw attaches the bundled agent to the process pid, passing rawArgs
// to the agent as is.
//
// Deprecated: Use AttachPID. Raw arguments bypass the configuration file and
// are subject to OS argument length limits.
func (a *Attacher) AttachPIDRaw(ctx context.Context, pid string, rawArgs string) error {
	target, err := external(pid)
	if err != nil {
		return err
	}
	return a.attach(ctx, request{target: target, raw: true, rawArgs: rawArgs})
}

// PayloadPath returns the bundled payload's location on disk, extracting it if
// needed. It returns artifact.ErrNoArtifact when no payload is bundled.
func (a *Attacher) PayloadPath() (string, error) {
	if a.payload == nil {
		return "", artifact.ErrNoArtifact
	}
	h, err := a.payload.Resolve()
	if err != nil {
		return "", err
	}
	return h.Path, nil
}

func external(pid string) (process.Target, error) {
	target := process.External(pid)
	if target.IsCurrent() {
		return target, &Error{Target: target, Err: process.ErrEmptyPID}
	}
	return target, nil
}

type request struct {
	target  process.Target
	config  materialize.Map
	payload string
	raw     bool
	rawArgs string
}

func (a *Attacher) attach(ctx context.Context, req request) (err error) {
	logger := a.logger.With().
		Str("attach_id", uuid.NewString()).
		Str("target", req.target.String()).
		Logger()

	if req.target.IsCurrent() {
		if a.state.IsAttached() {
			logger.Info().Msg("Agent already attached to the current process")
			return nil
		}
		if !a.state.TryTransitionToAttaching() {
			if a.state.IsAttached() {
				return nil
			}
			return ErrAttachInProgress
		}
		defer func() {
			if err != nil {
				a.state.MarkFailed()
				return
			}
			a.state.MarkAttached()
		}()
	}

	pid, err := process.Resolve(req.target, a.identity)
	if err != nil {
		return &Error{Target: req.target, Err: err}
	}

	args := req.rawArgs
	if !req.raw {
		cfgPath, err := a.materializer.Materialize(req.config)
		if err != nil {
			return fmt.Errorf("failed to prepare agent configuration: %w", err)
		}
		if cfgPath != "" {
			defer a.removeConfig(cfgPath, logger)
			args = ConfigArgKey + "=" + cfgPath
		}
	}

	payloadPath, err := a.resolvePayload(req.payload, logger)
	if err != nil {
		return err
	}

	s, err := a.provider.Resolve()
	if err != nil {
		return &Error{Target: req.target, Err: err}
	}

	logger.Info().
		Str("strategy", s.Name()).
		Str("pid", pid).
		Str("payload", payloadPath).
		Bool("config_file", args != "" && !req.raw).
		Msg("Attaching agent")

	if err := s.Attach(ctx, strategy.Request{
		PayloadPath: payloadPath,
		PID:         pid,
		Current:     req.target.IsCurrent(),
		Args:        args,
	}); err != nil {
		return &Error{Target: req.target, Strategy: s.Name(), Err: err}
	}

	logger.Info().Str("strategy", s.Name()).Msg("Agent attached")
	return nil
}

// resolvePayload returns override if set, otherwise the bundled payload path.
// No bundled payload yields an empty path.
func (a *Attacher) resolvePayload(override string, logger zerolog.Logger) (string, error) {
	if override != "" {
		return override, nil
	}
	if a.payload == nil {
		return "", nil
	}

	h, err := a.payload.Resolve()
	switch {
	case err == nil:
		return h.Path, nil
	case errors.Is(err, artifact.ErrNoArtifact):
		logger.Debug().Msg("No bundled payload, attaching without payload path")
		return "", nil
	default:
		return "", err
	}
}

// removeConfig deletes a materialized configuration file, deferring to the
// exit cleanup registry when the file cannot be removed yet. It never fails
// the attach.
func (a *Attacher) removeConfig(path string, logger zerolog.Logger) {
	err := a.remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return
	}

	logger.Warn().Err(err).Str("path", path).Msg("Failed to delete agent configuration file, deleting at exit")
	a.cleanup.DeleteOnExit(path)
}
