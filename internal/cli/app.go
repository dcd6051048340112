package cli

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/coral-attach/internal/artifact"
	"github.com/coral-mesh/coral-attach/internal/attach"
	"github.com/coral-mesh/coral-attach/internal/attach/strategy"
	"github.com/coral-mesh/coral-attach/internal/config"
	"github.com/coral-mesh/coral-attach/internal/digest"
	"github.com/coral-mesh/coral-attach/internal/logging"
	"github.com/coral-mesh/coral-attach/internal/materialize"
	"github.com/coral-mesh/coral-attach/internal/payload"
	"github.com/coral-mesh/coral-attach/internal/resource"
	"github.com/coral-mesh/coral-attach/internal/safe"
)

// skipConfigAnnotation marks commands that run on defaults without reading
// the configuration file.
const skipConfigAnnotation = "coral-attach/skip-config"

// app holds the state shared by all commands of one invocation.
type app struct {
	configPath string
	logLevel   string
	logPretty  bool

	stderr  io.Writer
	cfg     *config.Config
	loader  *config.Loader
	logger  zerolog.Logger
	cleanup *safe.ExitCleanup
}

func newApp(stderr io.Writer) *app {
	a := &app{
		stderr: stderr,
		cfg:    config.Default(),
		logger: zerolog.Nop(),
	}
	a.cleanup = safe.NewExitCleanup(zerolog.Nop())
	return a
}

// setup loads the configuration and builds the logger. Flags win over the
// configuration file and environment.
func (a *app) setup(cmd *cobra.Command) error {
	bootstrap := logging.New(logging.Config{Level: a.logLevel, Pretty: a.logPretty, Output: a.stderr})
	a.loader = config.NewLoader(a.configPath, bootstrap)

	if cmd.Annotations[skipConfigAnnotation] == "" {
		cfg, err := a.loader.Load()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}

	logCfg := logging.Config{Level: a.cfg.Log.Level, Pretty: a.cfg.Log.Pretty, Output: a.stderr}
	if flagChanged(cmd.Flags(), "log-level") {
		logCfg.Level = a.logLevel
	}
	if flagChanged(cmd.Flags(), "log-pretty") {
		logCfg.Pretty = a.logPretty
	}
	a.logger = logging.New(logCfg)
	a.cleanup = safe.NewExitCleanup(a.logger)

	return nil
}

func flagChanged(fs *pflag.FlagSet, name string) bool {
	f := fs.Lookup(name)
	return f != nil && f.Changed
}

// resources returns the configured resource directories followed by the
// bundled resources.
func (a *app) resources() resource.Provider {
	return payload.Resources(a.cfg.Payload.ResourceDirs...)
}

// payloadResolver returns the payload source: a fixed path when one is
// configured, otherwise the extraction cache over the bundled payload.
func (a *app) payloadResolver() (attach.PayloadResolver, error) {
	if a.cfg.Payload.Path != "" {
		return fixedPayload(a.cfg.Payload.Path), nil
	}

	hasher, err := digest.New(a.cfg.Payload.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	return artifact.New(artifact.Options{
		Provider: a.resources(),
		Hasher:   hasher,
		TempDir:  a.cfg.Payload.CacheDir,
		Logger:   a.logger,
	})
}

func (a *app) newAttacher() (*attach.Attacher, error) {
	resolver, err := a.payloadResolver()
	if err != nil {
		return nil, fmt.Errorf("failed to set up payload: %w", err)
	}

	return attach.New(attach.Options{
		Payload:      resolver,
		Materializer: materialize.New(materialize.Options{Dir: a.cfg.Attach.ConfigDir, Logger: a.logger}),
		Provider:     strategy.DefaultChain(a.cfg.Attach.Helper, a.logger),
		Resources:    a.resources(),
		Cleanup:      a.cleanup,
		Logger:       a.logger,
	})
}

// fixedPayload resolves to a payload already on disk.
type fixedPayload string

func (p fixedPayload) Resolve() (artifact.Handle, error) {
	return artifact.Handle{Path: string(p)}, nil
}
