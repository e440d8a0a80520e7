package dap

import (
	"strconv"
	"sync"

	"github.com/google/go-dap"
	"github.com/jnsquire/dapper/proc"
	"github.com/pkg/errors"
)

// errStaleReference is the response message for references that
// outlived their stop cycle.
var errStaleReference = errors.New("reference expired")

// variableReferences hands out session-unique reference ids scoped to
// a stop cycle. Resuming bumps the cycle; every id from an earlier
// cycle answers "reference expired".
type variableReferences struct {
	mu     sync.RWMutex
	refs   map[int]*varEntry
	nextID int
	cycle  uint64
}

type varEntry struct {
	cycle uint64
	frame proc.Frame
	fn    func() []dap.Variable
}

func newVariableReferences() *variableReferences {
	return &variableReferences{
		refs:  make(map[int]*varEntry),
		cycle: 1,
	}
}

// New registers a lazy provider bound to a frame and returns its
// reference id. Providers are re-invoked on every read so mutations
// through setVariable show up without explicit invalidation.
func (v *variableReferences) New(f proc.Frame, fn func() []dap.Variable) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	id := v.nextID
	v.refs[id] = &varEntry{
		cycle: v.cycle,
		frame: f,
		fn:    fn,
	}
	return id
}

func (v *variableReferences) entry(id int) (*varEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	e := v.refs[id]
	if e == nil || e.cycle != v.cycle {
		return nil, errStaleReference
	}
	return e, nil
}

func (v *variableReferences) Get(id int) ([]dap.Variable, error) {
	e, err := v.entry(id)
	if err != nil {
		return nil, err
	}

	vars := e.fn()
	if vars == nil {
		vars = []dap.Variable{}
	}
	return vars, nil
}

// Frame returns the frame a reference is bound to, for assignment and
// evaluation against the right environment.
func (v *variableReferences) Frame(id int) (proc.Frame, error) {
	e, err := v.entry(id)
	if err != nil {
		return nil, err
	}
	return e.frame, nil
}

// Cycle returns the current stop cycle number.
func (v *variableReferences) Cycle() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cycle
}

// NextCycle invalidates all outstanding references. Called on every
// resume.
func (v *variableReferences) NextCycle() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cycle++
	v.refs = make(map[int]*varEntry)
}

// render converts a runtime value into a DAP variable, composing
// evaluate-names for children the runtime left unnamed.
func (v *variableReferences) render(f proc.Frame, nv proc.NamedValue, parentEval string) dap.Variable {
	evalName := nv.EvaluateName
	if evalName == "" && parentEval != "" {
		if nv.Indexed {
			evalName = parentEval + "[" + nv.Name + "]"
		} else {
			evalName = parentEval + "." + nv.Name
		}
	}

	out := dap.Variable{
		Name:         nv.Name,
		Value:        nv.Value.String(),
		Type:         nv.Value.TypeName(),
		EvaluateName: evalName,
	}

	children := nv.Value.Children()
	if len(children) == 0 {
		return out
	}

	for _, c := range children {
		if c.Indexed {
			out.IndexedVariables++
		} else {
			out.NamedVariables++
		}
	}

	childEval := evalName
	out.VariablesReference = v.New(f, func() []dap.Variable {
		kids := nv.Value.Children()
		vars := make([]dap.Variable, 0, len(kids))
		for _, c := range kids {
			vars = append(vars, v.render(f, c, childEval))
		}
		return vars
	})
	return out
}

// renderValue wraps an anonymous evaluation result.
func (v *variableReferences) renderValue(f proc.Frame, val proc.Value, evalName string) dap.Variable {
	return v.render(f, proc.NamedValue{
		Name:         evalName,
		EvaluateName: evalName,
		Value:        val,
	}, "")
}

// filterVariables applies the DAP named/indexed filter and the
// start/count page to a variable list.
func filterVariables(vars []dap.Variable, filter string, start, count int) []dap.Variable {
	if filter != "" {
		filtered := make([]dap.Variable, 0, len(vars))
		for _, v := range vars {
			indexed := isIndexedName(v.Name)
			if (filter == "indexed") == indexed {
				filtered = append(filtered, v)
			}
		}
		vars = filtered
	}

	if start > 0 {
		if start >= len(vars) {
			return []dap.Variable{}
		}
		vars = vars[start:]
	}
	if count > 0 && count < len(vars) {
		vars = vars[:count]
	}
	return vars
}

func isIndexedName(name string) bool {
	_, err := strconv.Atoi(name)
	return err == nil
}
