package pipeline

import (
	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/module"
)

// ModuleStage adapts a registered module into a pipeline Stage: its
// Process dispatches to the module's REQMOD/RESPMOD/OPTIONS handler
// (whichever matches the in-flight request's method) through the
// registry's read-through Handle, and writes the resulting response back
// into the context (spec.md §4.4: "Each content-filter/antivirus stage's
// process delegates to the corresponding module's handler").
type ModuleStage struct {
	handle    module.Handle
	kind      StageType
	advisory  bool // advisory stages log-and-continue instead of failing the pipeline
	mimeMatch func(contentType string) bool
}

// NewModuleStage wraps handle as a Stage of the given kind. advisory
// mirrors spec.md §4.3.1's "the pipeline translates ExecutionFailed into
// either a 500 response (fail-fast stages) or logs and continues
// (advisory stages)" — advisory stages swallow ExecutionFailed rather
// than propagating it.
func NewModuleStage(handle module.Handle, kind StageType, advisory bool) *ModuleStage {
	return &ModuleStage{handle: handle, kind: kind, advisory: advisory}
}

// WithMIMEFilter restricts CanHandle to contentType values accepted by
// match; by default a ModuleStage handles every content type.
func (s *ModuleStage) WithMIMEFilter(match func(string) bool) *ModuleStage {
	s.mimeMatch = match
	return s
}

func (s *ModuleStage) Name() string        { return s.handle.Name() }
func (s *ModuleStage) StageType() StageType { return s.kind }

func (s *ModuleStage) CanHandle(contentType string) bool {
	if s.mimeMatch == nil {
		return true
	}
	return s.mimeMatch(contentType)
}

func (s *ModuleStage) Init(map[string]any) error { return nil } // module lifecycle owned by the registry
func (s *ModuleStage) Cleanup() error             { return nil }

// Process dispatches req to the wrapped module's handler for its ICAP
// method and stores the result on ctx.Response.
func (s *ModuleStage) Process(ctx *Context) error {
	req := ctx.Request
	var resp *icap.Response
	var err error

	switch req.Method {
	case icap.REQMOD:
		resp, err = s.handle.DispatchREQMOD(req)
	case icap.RESPMOD:
		resp, err = s.handle.DispatchRESPMOD(req)
	case icap.OPTIONS:
		resp, err = s.handle.DispatchOPTIONS(req)
	default:
		return module.NewError(module.ErrExecutionFailed, s.handle.Name(), "unsupported method")
	}

	if err != nil {
		if s.advisory {
			ctx.Metadata[s.Name()+".advisory_error"] = err.Error()
			return nil
		}
		return err
	}
	// A terminal decision from an earlier stage is final: Execute stops the
	// pipeline there, but guard here too so a stage can never clobber it if
	// invoked directly or out of order.
	if resp != nil && !ctx.Terminal() {
		ctx.Response = resp
	}
	return nil
}
