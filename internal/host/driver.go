// Package host drives the energy-modeling application through a single
// shared, non-reentrant automation handle.
package host

import (
	"context"
	"fmt"
	"sort"

	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/resilience"
)

// Driver is one connection to the host application. Implementations are
// not safe for concurrent use; Session serializes access.
type Driver interface {
	Connect(ctx context.Context) error
	OpenTemplate(ctx context.Context, path string) error
	SetParameters(ctx context.Context, params []Parameter) error
	Calculate(ctx context.Context) error
	// Export saves the project and its report into outDir and returns the
	// artifact paths.
	Export(ctx context.Context, outDir, lotID string) ([]string, error)
	// Describe lists what the host exposes to automation.
	Describe(ctx context.Context) (*Description, error)
	Close() error
}

// Description is the host's automation surface.
type Description struct {
	Application string   `json:"application"`
	Version     string   `json:"version,omitempty"`
	Methods     []string `json:"methods,omitempty"`
	Properties  []string `json:"properties,omitempty"`
}

// ErrorKind classifies a failed host call.
type ErrorKind int

const (
	// KindTransient failures may succeed on retry.
	KindTransient ErrorKind = iota
	// KindUnavailable means the host cannot be reached at all.
	KindUnavailable
)

// CallError is a failed host call.
type CallError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("host: %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Is matches the shared automation error kinds.
func (e *CallError) Is(target error) bool {
	switch target {
	case model.ErrAutomationUnavailable:
		return e.Kind == KindUnavailable
	case model.ErrAutomationCallFailed:
		return e.Kind == KindTransient
	}
	return false
}

// Unavailable reports whether the call failed because the host is down.
func (e *CallError) Unavailable() bool { return e.Kind == KindUnavailable }

// Transient wraps err as a retryable call failure.
func Transient(op string, err error) error {
	return &CallError{Op: op, Kind: KindTransient, Err: resilience.NewTransientError(err, 0)}
}

// Unavailable wraps err as a fatal host failure.
func Unavailable(op string, err error) error {
	return &CallError{Op: op, Kind: KindUnavailable, Err: err}
}

// IsUnavailable reports whether err means the host cannot be reached.
func IsUnavailable(err error) bool {
	return resilience.IsUnavailable(err)
}

// Parameter is one named value set on the host project.
type Parameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Parameters flattens a lot into host parameter names, in a stable order.
func Parameters(lot *model.LotRecord) []Parameter {
	var ps []Parameter
	add := func(name string, v any) { ps = append(ps, Parameter{Name: name, Value: v}) }
	addF := func(name string, v *float64) {
		if v != nil {
			add(name, *v)
		}
	}

	add("project.lot_id", lot.LotID)
	add("project.name", lot.ProjectInfo.Name)
	add("project.address", lot.ProjectInfo.Address)
	add("project.city", lot.ProjectInfo.City)
	add("project.state", lot.ProjectInfo.State)
	add("project.zip", lot.ProjectInfo.Zip)

	addF("building.conditioned_floor_area", lot.Building.ConditionedFloorArea)
	addF("building.infiltration.ach50", lot.Building.Infiltration.ACH50)

	for _, k := range keys(lot.Building.Windows) {
		w := lot.Building.Windows[k]
		addF("window."+k+".area", w.Area)
		addF("window."+k+".u_factor", w.UFactor)
		addF("window."+k+".shgc", w.SHGC)
	}
	for _, k := range keys(lot.Building.Walls) {
		w := lot.Building.Walls[k]
		addF("wall."+k+".area", w.Area)
		addF("wall."+k+".r_value", w.RValue)
	}
	for _, k := range keys(lot.HVAC) {
		s := lot.HVAC[k]
		addF("hvac."+k+".tonnage", s.Tonnage)
		addF("hvac."+k+".seer2", s.SEER2)
	}
	if lot.Duct.Location != "" {
		add("duct.location", lot.Duct.Location)
	}
	return ps
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
