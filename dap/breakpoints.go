package dap

import (
	"path"

	"github.com/google/go-dap"
	"github.com/jnsquire/dapper/tracer"
)

// sourceRequests converts the wire form of a setBreakpoints request
// into registry input. The legacy lines array is honored when the
// client sends no structured breakpoints.
func sourceRequests(args dap.SetBreakpointsArguments) []tracer.SourceRequest {
	if len(args.Breakpoints) == 0 && len(args.Lines) > 0 {
		reqs := make([]tracer.SourceRequest, len(args.Lines))
		for i, line := range args.Lines {
			reqs[i] = tracer.SourceRequest{Line: line}
		}
		return reqs
	}

	reqs := make([]tracer.SourceRequest, len(args.Breakpoints))
	for i, sbp := range args.Breakpoints {
		reqs[i] = tracer.SourceRequest{
			Line:         sbp.Line,
			Column:       sbp.Column,
			Condition:    sbp.Condition,
			HitCondition: sbp.HitCondition,
			LogMessage:   sbp.LogMessage,
		}
	}
	return reqs
}

func toSourceBreakpoints(bps []*tracer.SourceBreakpoint) []dap.Breakpoint {
	// Explicitly initialize so an empty set marshals as [] and not
	// null.
	out := []dap.Breakpoint{}
	for _, bp := range bps {
		out = append(out, dap.Breakpoint{
			Id:       bp.ID,
			Verified: bp.Verified,
			Line:     bp.Line,
			Column:   bp.Column,
			Source: &dap.Source{
				Name: path.Base(bp.Path),
				Path: bp.Path,
			},
		})
	}
	return out
}

func functionRequests(fbps []dap.FunctionBreakpoint) []tracer.FunctionRequest {
	reqs := make([]tracer.FunctionRequest, len(fbps))
	for i, fbp := range fbps {
		reqs[i] = tracer.FunctionRequest{
			Name:      fbp.Name,
			Condition: fbp.Condition,
		}
	}
	return reqs
}

func toFunctionBreakpoints(bps []*tracer.FunctionBreakpoint) []dap.Breakpoint {
	out := []dap.Breakpoint{}
	for _, bp := range bps {
		out = append(out, dap.Breakpoint{
			Id:       bp.ID,
			Verified: true,
		})
	}
	return out
}
