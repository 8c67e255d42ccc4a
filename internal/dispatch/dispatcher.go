// Package dispatch runs a natural-language request end to end: prompt the
// model, gate its answer, preview or execute it against the workbook, and
// report a Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/witanlabs/sheetpilot/client"
	"github.com/witanlabs/sheetpilot/internal/host"
	"github.com/witanlabs/sheetpilot/internal/instruction"
	"github.com/witanlabs/sheetpilot/internal/prompt"
	"github.com/witanlabs/sheetpilot/internal/protocol"
	"github.com/witanlabs/sheetpilot/internal/script"
)

// MaxFormatRetries caps the automatic re-ask after malformed output.
const MaxFormatRetries = 3

// Confirmer approves destructive instruction sets before they run.
type Confirmer interface {
	Confirm(ctx context.Context, set instruction.Set) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, set instruction.Set) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, set instruction.Set) (bool, error) {
	return f(ctx, set)
}

// Dispatcher serves one workbook session. Requests are not queued: a request
// issued while another is outstanding fails immediately.
type Dispatcher struct {
	asker            client.Asker
	workbook         host.Workbook
	engine           *script.Engine
	confirmer        Confirmer
	maxFormatRetries int
	logger           *zap.Logger
	sem              *semaphore.Weighted
}

type Option func(*Dispatcher)

// WithConfirmer asks c before any set containing a destructive instruction
// runs. Without one, destructive sets run unconfirmed.
func WithConfirmer(c Confirmer) Option { return func(d *Dispatcher) { d.confirmer = c } }

// WithEngine replaces the default script engine.
func WithEngine(e *script.Engine) Option { return func(d *Dispatcher) { d.engine = e } }

// WithMaxFormatRetries sets how many times ApplyWithRetry re-asks the model
// after a format error. Values are clamped to 0..MaxFormatRetries.
func WithMaxFormatRetries(n int) Option {
	return func(d *Dispatcher) { d.maxFormatRetries = min(max(n, 0), MaxFormatRetries) }
}

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func New(asker client.Asker, wb host.Workbook, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		asker:            asker,
		workbook:         wb,
		maxFormatRetries: 1,
		logger:           zap.NewNop(),
		sem:              semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.engine == nil {
		d.engine = script.New(asker, wb, script.WithLogger(d.logger))
	}
	return d
}

// Engine returns the script engine the dispatcher uses.
func (d *Dispatcher) Engine() *script.Engine { return d.engine }

func busy() Result {
	return Failure("another request is already in progress", SystemError, false)
}

func (d *Dispatcher) acquire() bool { return d.sem.TryAcquire(1) }

func (d *Dispatcher) release() { d.sem.Release(1) }

// Apply turns userRequest into instructions and executes them, or only
// describes them when dryRun is set. A dry run never mutates the workbook.
func (d *Dispatcher) Apply(ctx context.Context, userRequest string, dryRun bool) Result {
	if !d.acquire() {
		return busy()
	}
	defer d.release()
	return d.apply(ctx, userRequest, dryRun, false)
}

// Retry re-runs Apply once after a format error. Any other error type is
// refused. Retry keeps no state; bounding attempts is the caller's job.
func (d *Dispatcher) Retry(ctx context.Context, userRequest string, errorType ErrorType, dryRun bool) Result {
	if errorType != ProtocolFormatError {
		return Failure("unsupported retry type", SystemError, false)
	}
	if !d.acquire() {
		return busy()
	}
	defer d.release()
	return d.apply(ctx, userRequest, dryRun, true)
}

// ApplyWithRetry is Apply followed by up to the configured number of silent
// retries while the result is a format error.
func (d *Dispatcher) ApplyWithRetry(ctx context.Context, userRequest string, dryRun bool) Result {
	if !d.acquire() {
		return busy()
	}
	defer d.release()

	res := d.apply(ctx, userRequest, dryRun, false)
	for attempt := 1; attempt <= d.maxFormatRetries; attempt++ {
		if res.Success || res.ErrorType != ProtocolFormatError {
			break
		}
		d.logger.Info("retrying after malformed response", zap.Int("attempt", attempt), zap.String("reason", res.Error))
		res = d.apply(ctx, userRequest, dryRun, true)
	}
	return res
}

func (d *Dispatcher) apply(ctx context.Context, userRequest string, dryRun, retry bool) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("request panicked", zap.Any("panic", r))
			res = Failure(fmt.Sprintf("internal error: %v", r), SystemError, false)
		}
	}()

	if strings.TrimSpace(userRequest) == "" {
		return Failure("request is empty", SystemError, false)
	}

	wctx, err := d.workbook.Context(ctx)
	if err != nil {
		return Failure(fmt.Sprintf("reading workbook context: %v", err), SystemError, false)
	}
	raw, err := d.asker.Ask(ctx, prompt.Commands(wctx, userRequest, retry))
	if err != nil {
		return Failure(err.Error(), SystemError, false)
	}

	v := protocol.Validate(raw)
	if !v.Valid {
		d.logger.Debug("model response rejected", zap.String("reason", v.Reason))
		return Failure("invalid model response: "+v.Reason, ProtocolFormatError, true)
	}
	set := instruction.Convert(v.Payload)
	d.logger.Debug("instructions ready", zap.Int("count", len(set.Instructions)), zap.Bool("dry_run", dryRun))

	if dryRun {
		lines := make([]string, len(set.Instructions))
		for i, in := range set.Instructions {
			lines[i] = "would execute: " + in.Description
		}
		res = Success(strings.Join(lines, "\n"))
		res.Instructions = set.Instructions
		return res
	}

	if set.NeedsConfirmation() && d.confirmer != nil {
		ok, err := d.confirmer.Confirm(ctx, set)
		if err != nil {
			return Failure(fmt.Sprintf("confirmation failed: %v", err), SystemError, false)
		}
		if !ok {
			return Failure("operation cancelled: confirmation declined", OperationExecutionError, false)
		}
	}

	lines := make([]string, 0, len(set.Instructions))
	for i, in := range set.Instructions {
		if err := d.execute(ctx, in); err != nil {
			msg := fmt.Sprintf("instruction %d/%d (%s): %v", i+1, len(set.Instructions), in.Function, err)
			d.logger.Warn("instruction failed", zap.Int("index", i), zap.String("function", in.Function), zap.Error(err))
			if ctx.Err() != nil {
				return Failure(msg, SystemError, false)
			}
			return Failure(msg+"; "+noRetryHint, OperationExecutionError, false)
		}
		lines = append(lines, "executed: "+in.Description)
	}
	res = Success(strings.Join(lines, "\n"))
	res.Instructions = set.Instructions
	return res
}

// RunScript generates a script for userRequest, vets it and runs it once.
// A dry run returns the scan summary and the script without touching the
// workbook.
func (d *Dispatcher) RunScript(ctx context.Context, userRequest string, dryRun bool) (res Result) {
	if !d.acquire() {
		return busy()
	}
	defer d.release()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("script request panicked", zap.Any("panic", r))
			res = Failure(fmt.Sprintf("internal error: %v", r), SystemError, false)
		}
	}()

	if strings.TrimSpace(userRequest) == "" {
		return Failure("request is empty", SystemError, false)
	}

	g, err := d.engine.Generate(ctx, userRequest)
	var formatErr *script.FormatError
	var rejected *script.RejectedError
	switch {
	case errors.As(err, &formatErr):
		return Failure(err.Error(), ProtocolFormatError, true)
	case errors.As(err, &rejected):
		res = Failure(rejected.Scan.Summary, SecurityRejection, false)
		res.Script = &g
		return res
	case err != nil:
		return Failure(err.Error(), SystemError, false)
	}

	if dryRun {
		res = Success(fmt.Sprintf("would run %s (model risk %s, scan %s)\n%s", g.ProcedureName, g.RiskLevel, g.Scan.Level, g.Scan.Summary))
		res.Script = &g
		return res
	}

	res = d.executeScript(ctx, g.ProcedureName, g.ScriptText, userRequest)
	res.Script = &g
	return res
}

// ExecuteScript runs caller-supplied script text once. The text goes through
// the same scanner as generated scripts.
func (d *Dispatcher) ExecuteScript(ctx context.Context, procedureName, scriptText, userRequest string) (res Result) {
	if !d.acquire() {
		return busy()
	}
	defer d.release()
	defer func() {
		if r := recover(); r != nil {
			res = Failure(fmt.Sprintf("internal error: %v", r), SystemError, false)
		}
	}()
	return d.executeScript(ctx, procedureName, scriptText, userRequest)
}

func (d *Dispatcher) executeScript(ctx context.Context, procedureName, scriptText, userRequest string) Result {
	exec := d.engine.InjectAndExecute(ctx, procedureName, scriptText, userRequest)

	var res Result
	var formatErr *script.FormatError
	var rejected *script.RejectedError
	switch {
	case exec.Success:
		res = Success(fmt.Sprintf("ran %s in %s (%dms)", exec.ProcedureName, exec.Container, exec.Elapsed.Milliseconds()))
	case errors.Is(exec.Err, script.ErrScriptAccessUnavailable):
		res = Failure(exec.Error, SystemError, false)
	case errors.As(exec.Err, &rejected):
		res = Failure(rejected.Scan.Summary, SecurityRejection, false)
	case errors.As(exec.Err, &formatErr):
		res = Failure(exec.Error, ProtocolFormatError, false)
	case ctx.Err() != nil:
		res = Failure(exec.Error, SystemError, false)
	default:
		res = Failure(exec.Error+"; "+noRetryHint, OperationExecutionError, false)
	}
	res.Execution = &exec
	return res
}
