package attach

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-attach/internal/artifact"
	"github.com/coral-mesh/coral-attach/internal/attach/strategy"
	"github.com/coral-mesh/coral-attach/internal/materialize"
	"github.com/coral-mesh/coral-attach/internal/resource"
	"github.com/coral-mesh/coral-attach/internal/safe"
	"github.com/coral-mesh/coral-attach/internal/testutil"
)

type fixedIdentity string

func (f fixedIdentity) PID() string { return string(f) }

// recorder is a fake strategy that captures each request together with the
// configuration file contents as the target would have read them.
type recorder struct {
	mu       sync.Mutex
	requests []strategy.Request
	configs  []materialize.Map
	err      error
	delay    time.Duration
}

func (r *recorder) strategy() strategy.Func {
	return strategy.Func{
		StrategyName: "fake",
		AttachFunc: func(_ context.Context, req strategy.Request) error {
			if r.delay > 0 {
				time.Sleep(r.delay)
			}
			var cfg materialize.Map
			if path, ok := strings.CutPrefix(req.Args, ConfigArgKey+"="); ok {
				var err error
				cfg, err = materialize.Read(path)
				if err != nil {
					return err
				}
			}

			r.mu.Lock()
			defer r.mu.Unlock()
			r.requests = append(r.requests, req)
			r.configs = append(r.configs, cfg)
			return r.err
		},
	}
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type fakePayload struct {
	handle artifact.Handle
	err    error
	calls  atomic.Int32
}

func (f *fakePayload) Resolve() (artifact.Handle, error) {
	f.calls.Add(1)
	return f.handle, f.err
}

type fixture struct {
	attacher *Attacher
	rec      *recorder
	payload  *fakePayload
	cfgDir   string
	cleanup  *safe.ExitCleanup
}

func newFixture(t *testing.T, payload *fakePayload, resources resource.Provider) *fixture {
	t.Helper()
	t.Setenv(AttachedEnv, "")

	cfgDir := t.TempDir()
	rec := &recorder{}
	logger := testutil.NewTestLogger(t)
	cleanup := safe.NewExitCleanup(logger)

	opts := Options{
		Materializer: materialize.New(materialize.Options{Dir: cfgDir, Logger: logger}),
		Provider:     strategy.Chain{rec.strategy()},
		Resources:    resources,
		Identity:     fixedIdentity("4242"),
		Cleanup:      cleanup,
		Logger:       logger,
	}
	if payload != nil {
		opts.Payload = payload
	}

	a, err := New(opts)
	require.NoError(t, err)
	return &fixture{attacher: a, rec: rec, payload: payload, cfgDir: cfgDir, cleanup: cleanup}
}

func (f *fixture) configFiles(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.cfgDir)
	require.NoError(t, err)
	return entries
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Provider: strategy.Chain{}})
	assert.Error(t, err)

	_, err = New(Options{Materializer: materialize.New(materialize.Options{})})
	assert.Error(t, err)
}

func TestAttachConfig_EmptyConfigNoPayload(t *testing.T) {
	f := newFixture(t, nil, nil)

	require.NoError(t, f.attacher.AttachConfig(context.Background(), materialize.Map{}))

	require.Equal(t, 1, f.rec.calls())
	assert.Equal(t, strategy.Request{PID: "4242", Current: true}, f.rec.requests[0])
	assert.Empty(t, f.configFiles(t))
	assert.True(t, f.attacher.State().IsAttached())
}

func TestAttachConfig_OnlyOnce(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.attacher.AttachConfig(ctx, materialize.Map{"a": "1"}))
	require.NoError(t, f.attacher.AttachConfig(ctx, materialize.Map{"a": "2"}))
	require.NoError(t, f.attacher.Attach(ctx))

	assert.Equal(t, 1, f.rec.calls())
	assert.Empty(t, f.configFiles(t), "the short-circuited calls must not leave files behind")
}

func TestAttachConfig_HonorsAgentSignal(t *testing.T) {
	f := newFixture(t, nil, nil)
	t.Setenv(AttachedEnv, "true")

	require.NoError(t, f.attacher.AttachConfig(context.Background(), materialize.Map{"a": "1"}))
	assert.Zero(t, f.rec.calls())
}

func TestAttachConfig_FailureAllowsRetry(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.rec.err = strategy.ErrPermissionDenied
	err := f.attacher.AttachConfig(ctx, materialize.Map{"a": "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttachment)
	assert.ErrorIs(t, err, strategy.ErrPermissionDenied)

	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, "fake", aerr.Strategy)
	assert.Equal(t, NotAttached, f.attacher.State().Phase())
	assert.Empty(t, f.configFiles(t), "configuration file is removed on failure too")

	f.rec.err = nil
	require.NoError(t, f.attacher.AttachConfig(ctx, materialize.Map{"a": "1"}))
	assert.Equal(t, Attached, f.attacher.State().Phase())
	assert.Equal(t, 2, f.rec.calls())
}

func TestAttachPID_ConfigurationSideChannel(t *testing.T) {
	f := newFixture(t, &fakePayload{handle: artifact.Handle{Path: "/tmp/coral-agent-u-h.bin"}}, nil)

	external := filepath.Join(t.TempDir(), "ext.properties")
	require.NoError(t, os.WriteFile(external, []byte("service_name=from-file\nlog_level=debug\n"), 0o600))

	cfg := materialize.Map{
		materialize.ExternalConfigKey: external,
		"service_name":                "from-code",
		"server_url":                  "http://apm:8200",
	}
	require.NoError(t, f.attacher.AttachPID(context.Background(), "1234", cfg))

	require.Equal(t, 1, f.rec.calls())
	req := f.rec.requests[0]
	assert.Equal(t, "1234", req.PID)
	assert.False(t, req.Current)
	assert.Equal(t, "/tmp/coral-agent-u-h.bin", req.PayloadPath)

	cfgPath, ok := strings.CutPrefix(req.Args, "c=")
	require.True(t, ok, "argument must be c=<path>, got %q", req.Args)
	assert.True(t, filepath.IsAbs(cfgPath))
	assert.Equal(t, materialize.Map{
		materialize.ExternalConfigKey: external,
		"service_name":                "from-file",
		"server_url":                  "http://apm:8200",
		"log_level":                   "debug",
	}, f.rec.configs[0])

	assert.NoFileExists(t, cfgPath, "transient configuration must be deleted after attach")
	assert.Empty(t, f.cleanup.Pending())
}

func TestAttachPID_NotTracked(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.attacher.AttachPID(ctx, "1234", nil))
	require.NoError(t, f.attacher.AttachPID(ctx, "1234", nil))

	assert.Equal(t, 2, f.rec.calls())
	assert.Equal(t, NotAttached, f.attacher.State().Phase())
}

func TestAttachPID_EmptyPID(t *testing.T) {
	f := newFixture(t, nil, nil)

	err := f.attacher.AttachPID(context.Background(), "  ", materialize.Map{"a": "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttachment)
	assert.Zero(t, f.rec.calls())
	assert.Empty(t, f.configFiles(t))
}

func TestAttachPID_DeferredDeletion(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.attacher.remove = func(string) error { return errors.New("file in use") }

	require.NoError(t, f.attacher.AttachPID(context.Background(), "1234", materialize.Map{"a": "1"}))

	pending := f.cleanup.Pending()
	require.Len(t, pending, 1)
	assert.FileExists(t, pending[0])
	assert.Equal(t, "c="+pending[0], f.rec.requests[0].Args)

	require.NoError(t, f.cleanup.Run())
	assert.NoFileExists(t, pending[0])
}

func TestAttachPID_DeferredDeletionDefaultRegistry(t *testing.T) {
	t.Setenv(AttachedEnv, "")
	require.NoError(t, safe.RunExitCleanup())

	cfgDir := t.TempDir()
	rec := &recorder{}
	a, err := New(Options{
		Materializer: materialize.New(materialize.Options{Dir: cfgDir, Logger: zerolog.Nop()}),
		Provider:     strategy.Chain{rec.strategy()},
		Identity:     fixedIdentity("4242"),
		Logger:       testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	a.remove = func(string) error { return errors.New("file in use") }

	require.NoError(t, a.AttachPID(context.Background(), "1234", materialize.Map{"a": "1"}))

	pending := safe.DefaultExitCleanup().Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, cfgDir, filepath.Dir(pending[0]))
	assert.FileExists(t, pending[0])

	require.NoError(t, safe.RunExitCleanup())
	assert.NoFileExists(t, pending[0])
	assert.Empty(t, safe.DefaultExitCleanup().Pending())
}

func TestAttachPIDWithPayload_OverrideSkipsCache(t *testing.T) {
	payload := &fakePayload{err: errors.New("must not be called")}
	f := newFixture(t, payload, nil)

	require.NoError(t, f.attacher.AttachPIDWithPayload(context.Background(), "1234", nil, "/opt/coral/agent.bin"))

	assert.Equal(t, "/opt/coral/agent.bin", f.rec.requests[0].PayloadPath)
	assert.Zero(t, payload.calls.Load())
}

func TestAttachPIDRaw(t *testing.T) {
	f := newFixture(t, &fakePayload{handle: artifact.Handle{Path: "/tmp/agent.bin"}}, nil)

	//nolint:staticcheck // exercising the deprecated entry point
	require.NoError(t, f.attacher.AttachPIDRaw(context.Background(), "1234", "server_url=http://apm:8200;service_name=x"))

	req := f.rec.requests[0]
	assert.Equal(t, "server_url=http://apm:8200;service_name=x", req.Args)
	assert.Equal(t, "/tmp/agent.bin", req.PayloadPath)
	assert.Empty(t, f.configFiles(t))
}

func TestAttach_NoProvider(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.attacher.provider = strategy.Chain{strategy.Func{
		StrategyName:  "native",
		AvailableFunc: func() error { return errors.New("no helper") },
	}}

	err := f.attacher.AttachPID(context.Background(), "1234", materialize.Map{"a": "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttachment)
	assert.ErrorIs(t, err, strategy.ErrNoProvider)
	assert.Empty(t, f.configFiles(t))
}

func TestAttach_CorruptPayloadIsFatal(t *testing.T) {
	corrupt := &artifact.CorruptionError{Path: "/tmp/x.bin", Algorithm: "md5", Expected: "a", Actual: "b"}
	f := newFixture(t, &fakePayload{err: corrupt}, nil)

	err := f.attacher.AttachConfig(context.Background(), materialize.Map{"a": "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrCacheCorruption)
	assert.Zero(t, f.rec.calls(), "never attach with a known corrupt payload")
	assert.False(t, f.attacher.State().IsAttached())
	assert.Empty(t, f.configFiles(t))
}

func TestAttach_MaterializationFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.attacher.materializer = materialize.New(materialize.Options{
		Dir:    filepath.Join(t.TempDir(), "missing"),
		Logger: zerolog.Nop(),
	})

	err := f.attacher.AttachConfig(context.Background(), materialize.Map{"a": "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, materialize.ErrMaterializationIO)
	assert.Zero(t, f.rec.calls())
	assert.Equal(t, NotAttached, f.attacher.State().Phase())
}

func TestAttach_DefaultResource(t *testing.T) {
	resources := resource.FS{Root: fstest.MapFS{
		DefaultConfigResource: {Data: []byte("service_name=embedded\n")},
		"custom.properties":   {Data: []byte("service_name=custom\n")},
	}}

	f := newFixture(t, nil, resources)
	require.NoError(t, f.attacher.Attach(context.Background()))
	assert.Equal(t, materialize.Map{"service_name": "embedded"}, f.rec.configs[0])

	g := newFixture(t, nil, resources)
	require.NoError(t, g.attacher.AttachWithResource(context.Background(), "custom.properties"))
	assert.Equal(t, materialize.Map{"service_name": "custom"}, g.rec.configs[0])

	h := newFixture(t, nil, resources)
	require.NoError(t, h.attacher.AttachWithResource(context.Background(), "missing.properties"))
	assert.Empty(t, h.rec.requests[0].Args)
}

func TestAttach_ConcurrentCurrentProcess(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.rec.delay = 50 * time.Millisecond

	const callers = 8
	var (
		wg         sync.WaitGroup
		inProgress atomic.Int32
		failures   atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.attacher.AttachConfig(context.Background(), materialize.Map{"a": "1"})
			switch {
			case err == nil:
			case errors.Is(err, ErrAttachInProgress):
				inProgress.Add(1)
			default:
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.rec.calls(), "exactly one attach reaches the strategy")
	assert.Zero(t, failures.Load())
	assert.LessOrEqual(t, inProgress.Load(), int32(callers-1))
	assert.True(t, f.attacher.State().IsAttached())
}

func TestPayloadPath(t *testing.T) {
	f := newFixture(t, &fakePayload{handle: artifact.Handle{Path: "/tmp/agent.bin"}}, nil)
	path, err := f.attacher.PayloadPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/agent.bin", path)

	g := newFixture(t, nil, nil)
	_, err = g.attacher.PayloadPath()
	assert.ErrorIs(t, err, artifact.ErrNoArtifact)
}

// With the real cache and no bundled payload, attaching extracts nothing and
// runs the strategy without a payload path.
func TestAttach_EndToEndWithoutBundledPayload(t *testing.T) {
	cacheDir := t.TempDir()
	cache, err := artifact.New(artifact.Options{
		Provider: resource.FS{Root: fstest.MapFS{}},
		TempDir:  cacheDir,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	f := newFixture(t, nil, nil)
	f.attacher.payload = cache

	require.NoError(t, f.attacher.AttachConfig(context.Background(), materialize.Map{}))

	assert.Equal(t, strategy.Request{PID: "4242", Current: true}, f.rec.requests[0])
	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, cache.Stats().Extractions)
}

// With a bundled payload, the real cache extracts it once and every attach
// receives the same path.
func TestAttach_EndToEndWithBundledPayload(t *testing.T) {
	cacheDir := t.TempDir()
	cache, err := artifact.New(artifact.Options{
		Provider: resource.FS{Root: fstest.MapFS{artifact.DefaultResourceName: {Data: []byte("agent")}}},
		TempDir:  cacheDir,
		UserName: func() (string, error) { return "alice", nil },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	f := newFixture(t, nil, nil)
	f.attacher.payload = cache

	ctx := context.Background()
	require.NoError(t, f.attacher.AttachPID(ctx, "1", materialize.Map{"a": "1"}))
	require.NoError(t, f.attacher.AttachPID(ctx, "2", materialize.Map{"a": "2"}))

	require.Equal(t, 2, f.rec.calls())
	assert.Equal(t, f.rec.requests[0].PayloadPath, f.rec.requests[1].PayloadPath)
	assert.Equal(t, cacheDir, filepath.Dir(f.rec.requests[0].PayloadPath))
	assert.NotEqual(t, f.rec.requests[0].Args, f.rec.requests[1].Args, "configuration files are never reused")
	assert.Equal(t, artifact.Stats{Extractions: 1}, cache.Stats())
}
