package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// Bridge exit codes, following sysexits.h.
const (
	ExitUnavailable = 69 // EX_UNAVAILABLE
	ExitTempFail    = 75 // EX_TEMPFAIL
)

// ExecDriver reaches the host application through a bridge executable
// that owns the automation object. Every call runs the bridge once:
//
//	<bridge> <verb> --app <id> [--session <s>] [--visible]
//
// with a JSON request on stdin and a JSON reply on stdout.
type ExecDriver struct {
	bridge  string
	appID   string
	visible bool
	session string
}

// NewExecDriver creates an ExecDriver.
func NewExecDriver(bridge, appID string, visible bool) *ExecDriver {
	return &ExecDriver{bridge: bridge, appID: appID, visible: visible}
}

type bridgeReply struct {
	OK          bool         `json:"ok"`
	Session     string       `json:"session,omitempty"`
	Artifacts   []string     `json:"artifacts,omitempty"`
	Description *Description `json:"description,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Connect implements Driver.
func (d *ExecDriver) Connect(ctx context.Context) error {
	reply, err := d.call(ctx, "connect", nil)
	if err != nil {
		return err
	}
	d.session = reply.Session
	return nil
}

// OpenTemplate implements Driver.
func (d *ExecDriver) OpenTemplate(ctx context.Context, path string) error {
	_, err := d.call(ctx, "open-template", map[string]string{"path": path})
	return err
}

// SetParameters implements Driver.
func (d *ExecDriver) SetParameters(ctx context.Context, params []Parameter) error {
	_, err := d.call(ctx, "set-parameters", map[string][]Parameter{"parameters": params})
	return err
}

// Calculate implements Driver.
func (d *ExecDriver) Calculate(ctx context.Context) error {
	_, err := d.call(ctx, "calculate", nil)
	return err
}

// Export implements Driver.
func (d *ExecDriver) Export(ctx context.Context, outDir, lotID string) ([]string, error) {
	reply, err := d.call(ctx, "export", map[string]string{"out_dir": outDir, "lot_id": lotID})
	if err != nil {
		return nil, err
	}
	return reply.Artifacts, nil
}

// Describe implements Driver.
func (d *ExecDriver) Describe(ctx context.Context) (*Description, error) {
	reply, err := d.call(ctx, "describe", nil)
	if err != nil {
		return nil, err
	}
	if reply.Description == nil {
		return &Description{Application: d.appID}, nil
	}
	return reply.Description, nil
}

// Close implements Driver.
func (d *ExecDriver) Close() error {
	if d.session == "" {
		return nil
	}
	_, err := d.call(context.Background(), "close", nil)
	d.session = ""
	return err
}

func (d *ExecDriver) call(ctx context.Context, verb string, payload any) (*bridgeReply, error) {
	args := []string{verb, "--app", d.appID}
	if d.session != "" {
		args = append(args, "--session", d.session)
	}
	if d.visible {
		args = append(args, "--visible")
	}

	var stdin []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrapf(err, "host: encode %s request", verb)
		}
		stdin = b
	}

	cmd := exec.CommandContext(ctx, d.bridge, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, classify(ctx, verb, err, strings.TrimSpace(stderr.String()))
	}

	var reply bridgeReply
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &reply); err != nil {
			return nil, Transient(verb, eris.Wrap(err, "decode bridge reply"))
		}
	} else {
		reply.OK = true
	}
	if !reply.OK {
		return nil, Transient(verb, eris.New(reply.Error))
	}
	return &reply, nil
}

func classify(ctx context.Context, verb string, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Transient(verb, eris.Wrap(ctxErr, "bridge did not finish"))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		wrapped := eris.Errorf("bridge exited %d: %s", exitErr.ExitCode(), stderr)
		if exitErr.ExitCode() == ExitUnavailable {
			return Unavailable(verb, wrapped)
		}
		return Transient(verb, wrapped)
	}

	// The bridge could not be started at all.
	return Unavailable(verb, eris.Wrap(err, "start bridge"))
}
