package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/config"
	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/resilience"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Template    string
	CallTimeout time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// SessionConfigFrom builds a SessionConfig from the host and path settings.
func SessionConfigFrom(host config.HostConfig, paths config.PathsConfig) SessionConfig {
	return SessionConfig{
		Template:    paths.TemplatePath(),
		CallTimeout: time.Duration(host.CallTimeoutSecs) * time.Second,
		MaxAttempts: host.MaxAttempts,
		Backoff:     time.Duration(host.BackoffMs) * time.Millisecond,
	}
}

// CommitResult is the outcome of a successful commit.
type CommitResult struct {
	Artifacts []string
	Attempts  int
	Duration  time.Duration
}

// Session owns the one automation handle. Commit holds the handle for the
// whole open-template, set-parameters, calculate, export sequence, so no
// two lots ever interleave calls.
type Session struct {
	driver Driver
	cfg    SessionConfig

	mu        sync.Mutex
	connected bool
	// stuck holds the result channel of a call abandoned on timeout. The
	// handle is not reused until that call returns.
	stuck <-chan error
}

// NewSession creates a Session over driver.
func NewSession(driver Driver, cfg SessionConfig) *Session {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Session{driver: driver, cfg: cfg}
}

// Open acquires the handle. Any failure is reported as
// model.ErrAutomationUnavailable.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	err := s.call(ctx, "connect", func(ctx context.Context) error { return s.driver.Connect(ctx) })
	if err != nil {
		if IsUnavailable(err) {
			return err
		}
		return Unavailable("connect", err)
	}
	s.connected = true
	zap.L().Info("host: session opened", zap.String("template", s.cfg.Template))
	return nil
}

// Commit runs the commit sequence for lot, writing artifacts to outDir.
// Transient failures retry the whole sequence up to MaxAttempts times.
// An unavailable host is returned at once. The sequence is not cancelled
// by ctx; each call is bounded by CallTimeout instead.
func (s *Session) Commit(ctx context.Context, lot *model.LotRecord, outDir string) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("lot_id", lot.LotID), zap.String("stage", model.StageCommit))
	start := time.Now()

	if !s.connected {
		return CommitResult{}, Unavailable("commit", eris.New("session not open"))
	}

	params := Parameters(lot)
	var artifacts []string
	policy := resilience.Policy{
		MaxAttempts: s.cfg.MaxAttempts,
		Backoff:     s.cfg.Backoff,
		Retryable:   resilience.IsTransient,
		OnRetry:     resilience.RetryLogger(log, "commit"),
	}

	attempts, err := resilience.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if err := s.call(ctx, "open-template", func(ctx context.Context) error {
			return s.driver.OpenTemplate(ctx, s.cfg.Template)
		}); err != nil {
			return err
		}
		if err := s.call(ctx, "set-parameters", func(ctx context.Context) error {
			return s.driver.SetParameters(ctx, params)
		}); err != nil {
			return err
		}
		if err := s.call(ctx, "calculate", func(ctx context.Context) error {
			return s.driver.Calculate(ctx)
		}); err != nil {
			return err
		}
		// out is written by the call goroutine. It is only read once call
		// has received that goroutine's result.
		var out []string
		if err := s.call(ctx, "export", func(ctx context.Context) error {
			var err error
			out, err = s.driver.Export(ctx, outDir, lot.LotID)
			return err
		}); err != nil {
			return err
		}
		artifacts = out
		return nil
	})

	res := CommitResult{Artifacts: artifacts, Attempts: attempts, Duration: time.Since(start)}
	if err != nil {
		log.Error("host: commit failed",
			zap.Int("attempts", attempts),
			zap.Bool("unavailable", IsUnavailable(err)),
			zap.Error(err),
		)
		res.Artifacts = nil
		return res, err
	}

	log.Info("host: commit complete",
		zap.Int("attempts", attempts),
		zap.Strings("artifacts", artifacts),
		zap.Int64("duration_ms", res.Duration.Milliseconds()),
	)
	return res, nil
}

// Describe asks the host for its automation surface.
func (s *Session) Describe(ctx context.Context) (*Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var desc *Description
	if err := s.call(ctx, "describe", func(ctx context.Context) error {
		var err error
		desc, err = s.driver.Describe(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return desc, nil
}

// Close releases the handle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if err := s.driver.Close(); err != nil {
		return eris.Wrap(err, "host: close")
	}
	return nil
}

// call runs one driver call bounded by CallTimeout. If the driver does not
// return in time the call is reported as a transient failure and the
// handle stays blocked until the call does return; a call still running
// after a further CallTimeout makes the host unavailable.
func (s *Session) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := s.drain(op); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var ce *CallError
		if errors.As(err, &ce) {
			return err
		}
		return Transient(op, err)
	case <-callCtx.Done():
		s.stuck = done
		return Transient(op, eris.Wrapf(callCtx.Err(), "no reply within %s", s.cfg.CallTimeout))
	}
}

func (s *Session) drain(op string) error {
	if s.stuck == nil {
		return nil
	}
	timer := time.NewTimer(s.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case <-s.stuck:
		s.stuck = nil
		return nil
	case <-timer.C:
		return Unavailable(op, eris.New("previous call still running after timeout"))
	}
}
