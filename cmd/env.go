package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/approval"
	"github.com/sells-group/eg-automation/internal/archive"
	"github.com/sells-group/eg-automation/internal/config"
	"github.com/sells-group/eg-automation/internal/host"
	"github.com/sells-group/eg-automation/internal/ocr"
	"github.com/sells-group/eg-automation/internal/pipeline"
	"github.com/sells-group/eg-automation/internal/store"
)

// Processing modes accepted by --mode.
const (
	modeBatch       = "batch"
	modeInteractive = "interactive"
)

// initStore opens the configured archive index.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "archive/index.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the archive index.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newDriver builds the host driver. dryRun forces the simulated driver.
func newDriver(hc config.HostConfig, dryRun bool) (host.Driver, error) {
	if dryRun {
		return host.NewSimulatedDriver(), nil
	}
	switch hc.Driver {
	case "simulated":
		return host.NewSimulatedDriver(), nil
	case "exec":
		return host.NewExecDriver(hc.BridgePath, hc.ApplicationID, hc.Visible), nil
	default:
		return nil, eris.Errorf("unsupported host driver: %s", hc.Driver)
	}
}

// newApprover picks the approver for mode. Interactive mode without a
// terminal falls back to batch approval.
func newApprover(mode string, stdin *os.File) (approval.Approver, error) {
	switch mode {
	case modeBatch:
		return approval.NewBatchApprover(nil), nil
	case modeInteractive:
		if !approval.IsInteractive(stdin) {
			zap.L().Warn("stdin is not a terminal, falling back to batch approval")
			return approval.NewBatchApprover(nil), nil
		}
		return approval.NewPrompter(stdin, os.Stdout), nil
	default:
		return nil, eris.Errorf("unknown mode %q (want batch or interactive)", mode)
	}
}

// newExtractor builds the field extractor. A recognizer chain that cannot
// be built leaves extraction to the descriptor values and schema defaults.
func newExtractor(schema *config.Schema) (*ocr.Extractor, error) {
	chain, err := ocr.NewChainFromConfig(cfg.OCR, cfg.Quality.ConfidenceThreshold)
	if err != nil {
		zap.L().Warn("ocr disabled", zap.Error(err))
		return ocr.NewExtractor(nil, schema)
	}
	return ocr.NewExtractor(chain, schema)
}

// automationEnv holds everything a processing command needs.
type automationEnv struct {
	Store    store.Store
	Session  *host.Session
	Archiver *archive.Archiver
	Pipeline *pipeline.Pipeline
}

// Close releases the host handle and the store.
func (e *automationEnv) Close() {
	if e.Session != nil {
		if err := e.Session.Close(); err != nil {
			zap.L().Warn("close host session", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv sets up the store, host session, extractor, approver and the
// Pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, dryRun bool) (*automationEnv, error) {
	schema, err := config.LoadSchema(cfg.Quality.SchemaPath)
	if err != nil {
		return nil, err
	}
	approver, err := newApprover(mode, os.Stdin)
	if err != nil {
		return nil, err
	}
	extractor, err := newExtractor(schema)
	if err != nil {
		return nil, err
	}
	driver, err := newDriver(cfg.Host, dryRun)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	session := host.NewSession(driver, host.SessionConfigFrom(cfg.Host, cfg.Paths))
	arch := archive.New(cfg.Paths.OutputDir, cfg.Paths.ArchiveDir)

	return &automationEnv{
		Store:    st,
		Session:  session,
		Archiver: arch,
		Pipeline: pipeline.New(cfg, schema, extractor, approver, session, st, arch),
	}, nil
}
