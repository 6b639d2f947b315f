// Package pipeline runs one model archive through staging, compilation,
// output resolution, label extraction and packaging.
//
// A run moves through
//
//	Received -> Staged -> Compiled -> OutputResolved -> LabelsExtracted -> Packaged -> Done
//
// and stops at the first failure. The working area is removed on every
// exit path; the manifest bytes are read into the Artifact first.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"velapack/internal/compiler"
	"velapack/internal/labels"
	"velapack/internal/manifest"
	"velapack/internal/naming"
	"velapack/internal/resolve"
	"velapack/internal/stage"
)

// Stage is a pipeline state.
type Stage int

const (
	Received Stage = iota
	Staged
	Compiled
	OutputResolved
	LabelsExtracted
	Packaged
	Done
	Failed
)

var stageNames = [...]string{
	Received:        "received",
	Staged:          "staged",
	Compiled:        "compiled",
	OutputResolved:  "output-resolved",
	LabelsExtracted: "labels-extracted",
	Packaged:        "packaged",
	Done:            "done",
	Failed:          "failed",
}

var stageActions = [...]string{
	Received:        "receive upload",
	Staged:          "stage archive",
	Compiled:        "compile model",
	OutputResolved:  "resolve compiler output",
	LabelsExtracted: "extract labels",
	Packaged:        "package manifest",
	Done:            "finish",
	Failed:          "fail",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Action describes the work done to reach s, for error messages.
func (s Stage) Action() string {
	if s < 0 || int(s) >= len(stageActions) {
		return s.String()
	}
	return stageActions[s]
}

// ErrEmptyUpload is returned for a request without data.
var ErrEmptyUpload = errors.New("upload is empty")

// StageError is the single error type returned by Run. Stage is the state
// the run failed to reach; Err is the component error. Stdout and Stderr
// hold compiler output when the compiler ran.
type StageError struct {
	Stage  Stage
	Err    error
	Stdout string
	Stderr string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage.Action(), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Request is one upload.
type Request struct {
	Filename string
	Data     []byte
}

// Artifact is a finished conversion. Data holds the Manifest.zip bytes.
type Artifact struct {
	RequestID string
	Name      string
	Data      []byte
	Identity  naming.Identity
	Labels    labels.Set
	Warnings  []string
	Compiler  *compiler.Result
	Duration  time.Duration
}

// Compiler compiles a model file into outputDir.
type Compiler interface {
	Invoke(ctx context.Context, modelFile, outputDir string) (*compiler.Result, error)
}

// Config wires a Pipeline.
type Config struct {
	// WorkDir is the parent of per-request working areas; "" means
	// os.TempDir().
	WorkDir string
	// MaxExtractBytes caps the unpacked size of an upload; <= 0 uses
	// stage.DefaultMaxExtractBytes.
	MaxExtractBytes int64
	Compiler        Compiler
	Observer        Observer
}

// Pipeline converts uploads. It holds no per-request state and may be
// shared by concurrent callers.
type Pipeline struct {
	workDir    string
	maxExtract int64
	compiler   Compiler
	observer   Observer
}

// New returns a Pipeline. A nil Compiler uses vela with the default
// configuration; a nil Observer discards events.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		workDir:    cfg.WorkDir,
		maxExtract: cfg.MaxExtractBytes,
		compiler:   cfg.Compiler,
		observer:   cfg.Observer,
	}
	if p.compiler == nil {
		p.compiler = compiler.New(compiler.DefaultConfig())
	}
	if p.observer == nil {
		p.observer = Nop{}
	}
	return p
}

// run carries the state of one request.
type run struct {
	p     *Pipeline
	id    string
	start time.Time
	wa    *stage.WorkingArea
	art   *Artifact
}

func (r *run) emit(e Event) {
	e.RequestID = r.id
	r.p.observer.Observe(e)
}

func (r *run) enter(s Stage) {
	r.emit(Event{Stage: s, Kind: EventStage})
}

func (r *run) info(s Stage, format string, args ...any) {
	r.emit(Event{Stage: s, Kind: EventInfo, Message: fmt.Sprintf(format, args...)})
}

func (r *run) warn(s Stage, code, msg string) {
	r.art.Warnings = append(r.art.Warnings, msg)
	r.emit(Event{Stage: s, Kind: EventWarning, Code: code, Message: msg})
}

// Run converts req. On success the returned Artifact holds the manifest
// bytes; on failure the error is a *StageError. ctx bounds only the
// compiler subprocess, which also has its own timeout.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Artifact, error) {
	r := &run{
		p:     p,
		id:    uuid.NewString(),
		start: time.Now(),
		art:   &Artifact{Name: manifest.ZipName},
	}
	r.art.RequestID = r.id

	err := r.execute(ctx, req)

	if rmErr := r.wa.Remove(); rmErr != nil {
		r.emit(Event{Stage: Done, Kind: EventWarning, Code: WarnCleanup, Message: rmErr.Error()})
	}

	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			r.emit(Event{Stage: se.Stage, Kind: EventFailed, Err: se.Err})
		}
		return nil, err
	}
	r.art.Duration = time.Since(r.start)
	r.emit(Event{Stage: Done, Kind: EventStage, Duration: r.art.Duration})
	return r.art, nil
}

func (r *run) execute(ctx context.Context, req Request) error {
	r.enter(Received)
	if len(req.Data) == 0 {
		return &StageError{Stage: Received, Err: ErrEmptyUpload}
	}
	id, err := naming.Parse(req.Filename)
	if err != nil {
		return &StageError{Stage: Received, Err: err}
	}
	r.art.Identity = id
	r.info(Received, "processing %s", filepath.Base(req.Filename))

	r.wa, err = stage.Stage(r.p.workDir, id, req.Data, r.p.maxExtract)
	if err != nil {
		return &StageError{Stage: Staged, Err: err}
	}
	r.info(Staged, "archive unpacked; found %s and %s", stage.ModelFile, stage.VariablesFile)
	r.enter(Staged)

	r.info(Staged, "running compiler for %s", compiler.AcceleratorConfig)
	res, err := r.p.compiler.Invoke(ctx, r.wa.ModelPath(), r.wa.Dir)
	if err != nil {
		se := &StageError{Stage: Compiled, Err: err}
		var failure *compiler.FailureError
		if errors.As(err, &failure) {
			se.Stdout, se.Stderr = failure.Stdout, failure.Stderr
		}
		return se
	}
	r.art.Compiler = res
	if res.Stdout != "" {
		r.emit(Event{Stage: Compiled, Kind: EventOutput, Message: res.Stdout})
	}
	if strings.TrimSpace(res.Stderr) != "" {
		r.warn(Compiled, WarnCompilerStderr, "compiler stderr:\n"+res.Stderr)
	}
	r.emit(Event{Stage: Compiled, Kind: EventStage, Duration: res.Duration})

	resolved, err := resolve.Canonicalize(r.wa.Dir, stage.ModelFile, id.CompiledName())
	if err != nil {
		return &StageError{Stage: OutputResolved, Err: err}
	}
	if resolved.Overwritten {
		r.warn(OutputResolved, WarnOverwrite, fmt.Sprintf(
			"could not find a distinct compiler output file; assuming %s was overwritten", stage.ModelFile))
	}
	r.info(OutputResolved, "compiled model saved as %s", filepath.Base(resolved.Path))
	r.enter(OutputResolved)

	set, err := labels.ExtractFile(r.wa.VariablesPath())
	if err != nil {
		return &StageError{Stage: LabelsExtracted, Err: err}
	}
	r.art.Labels = set
	r.info(LabelsExtracted, "labels extracted: %s", strings.Join(set, ", "))
	r.enter(LabelsExtracted)

	zipPath, err := manifest.Package(r.wa.Dir, resolved.Path, set)
	if err != nil {
		return &StageError{Stage: Packaged, Err: err}
	}
	data, err := os.ReadFile(zipPath)
	if err != nil {
		return &StageError{Stage: Packaged, Err: &manifest.PackagingError{Path: zipPath, Err: err}}
	}
	r.art.Data = data
	r.enter(Packaged)
	return nil
}
