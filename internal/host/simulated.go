package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// SimulatedDriver stands in for the host application. It keeps the last
// template and parameters in memory and writes placeholder artifacts.
type SimulatedDriver struct {
	// Fault, when set, is consulted before every call; a non-nil error is
	// returned instead of performing the call.
	Fault func(op string) error

	mu         sync.Mutex
	connected  bool
	template   string
	params     []Parameter
	calculated bool
	calls      []string
}

// NewSimulatedDriver creates a SimulatedDriver.
func NewSimulatedDriver() *SimulatedDriver {
	return &SimulatedDriver{}
}

func (d *SimulatedDriver) enter(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, op)
	if d.Fault != nil {
		if err := d.Fault(op); err != nil {
			return err
		}
	}
	if op != "connect" && op != "describe" && !d.connected {
		return Unavailable(op, eris.New("not connected"))
	}
	return nil
}

// Calls returns the operations invoked so far.
func (d *SimulatedDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Connect implements Driver.
func (d *SimulatedDriver) Connect(_ context.Context) error {
	if err := d.enter("connect"); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

// OpenTemplate implements Driver.
func (d *SimulatedDriver) OpenTemplate(_ context.Context, path string) error {
	if err := d.enter("open-template"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.template = path
	d.params = nil
	d.calculated = false
	return nil
}

// SetParameters implements Driver.
func (d *SimulatedDriver) SetParameters(_ context.Context, params []Parameter) error {
	if err := d.enter("set-parameters"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = append(d.params, params...)
	return nil
}

// Calculate implements Driver.
func (d *SimulatedDriver) Calculate(_ context.Context) error {
	if err := d.enter("calculate"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calculated = true
	return nil
}

// Export implements Driver. It writes <lot>.egpj with the parameters and
// <lot>_report.txt with a plain summary.
func (d *SimulatedDriver) Export(_ context.Context, outDir, lotID string) ([]string, error) {
	if err := d.enter("export"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.calculated {
		return nil, Transient("export", eris.New("project not calculated"))
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, Transient("export", eris.Wrapf(err, "create %s", outDir))
	}

	project := filepath.Join(outDir, lotID+".egpj")
	data, err := json.MarshalIndent(map[string]any{
		"template":   d.template,
		"parameters": d.params,
		"simulated":  true,
	}, "", "  ")
	if err != nil {
		return nil, Transient("export", eris.Wrap(err, "encode project"))
	}
	if err := os.WriteFile(project, data, 0o644); err != nil {
		return nil, Transient("export", eris.Wrapf(err, "write %s", project))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Simulated energy report for %s\n", lotID)
	fmt.Fprintf(&sb, "Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Template: %s\n", d.template)
	for _, p := range d.params {
		fmt.Fprintf(&sb, "%s = %v\n", p.Name, p.Value)
	}
	report := filepath.Join(outDir, lotID+"_report.txt")
	if err := os.WriteFile(report, []byte(sb.String()), 0o644); err != nil {
		return nil, Transient("export", eris.Wrapf(err, "write %s", report))
	}

	return []string{project, report}, nil
}

// Describe implements Driver.
func (d *SimulatedDriver) Describe(_ context.Context) (*Description, error) {
	if err := d.enter("describe"); err != nil {
		return nil, err
	}
	return &Description{
		Application: "simulated",
		Methods:     []string{"OpenProject", "SetParameter", "Calculate", "SaveProject", "ExportReport"},
		Properties:  []string{"Visible", "Version"},
	}, nil
}

// Close implements Driver.
func (d *SimulatedDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}
