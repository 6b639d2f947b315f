package pipeline_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"velapack/internal/compiler"
	"velapack/internal/labels"
	"velapack/internal/naming"
	"velapack/internal/pipeline"
	"velapack/internal/resolve"
	"velapack/internal/stage"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const threeLabels = `#include <stdint.h>
const char* ei_classifier_inferencing_categories[] = {
    "idle",
    "wave",
    "snake"
};
`

// archive builds an upload zip from name -> content.
func archive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func validArchive(t *testing.T) []byte {
	return archive(t, map[string]string{
		"trained.tflite":                     "float model",
		"model-parameters/model_variables.h": threeLabels,
	})
}

// fakeVela writes a shell script that accepts vela's arguments and runs
// body with $out (output dir) and $in (input model) set.
func fakeVela(t *testing.T, body string) compiler.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler is a shell script")
	}
	script := `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --output-dir) out="$2"; shift 2;;
    --accelerator-config|--memory-mode) shift 2;;
    *) in="$1"; shift;;
  esac
done
` + body + "\n"
	path := filepath.Join(t.TempDir(), "vela")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return compiler.Config{Binary: path}
}

// recorder collects events.
type recorder struct {
	events []pipeline.Event
}

func (r *recorder) Observe(e pipeline.Event) { r.events = append(r.events, e) }

func (r *recorder) stages() []pipeline.Stage {
	var out []pipeline.Stage
	for _, e := range r.events {
		if e.Kind == pipeline.EventStage {
			out = append(out, e.Stage)
		}
	}
	return out
}

func (r *recorder) has(kind pipeline.EventKind, code string) bool {
	for _, e := range r.events {
		if e.Kind == kind && (code == "" || e.Code == code) {
			return true
		}
	}
	return false
}

// countingCompiler records whether it was invoked.
type countingCompiler struct {
	calls int
}

func (c *countingCompiler) Invoke(ctx context.Context, modelFile, outputDir string) (*compiler.Result, error) {
	c.calls++
	return nil, errors.New("should not be called")
}

func newPipeline(t *testing.T, cfg compiler.Config, obs pipeline.Observer) (*pipeline.Pipeline, string) {
	t.Helper()
	root := t.TempDir()
	return pipeline.New(pipeline.Config{
		WorkDir:  root,
		Compiler: compiler.New(cfg),
		Observer: obs,
	}), root
}

func assertEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("working area not torn down: %d entries left in %s", len(entries), dir)
	}
}

func unzip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	files := make(map[string]string)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		files[f.Name] = string(b)
	}
	return files
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestRunEndToEnd(t *testing.T) {
	cfg := fakeVela(t, `echo "Network summary for trained"
printf 'compiled:' > "$out/trained_vela.tflite"
cat "$in" >> "$out/trained_vela.tflite"`)
	rec := &recorder{}
	p, root := newPipeline(t, cfg, rec)

	art, err := p.Run(context.Background(), pipeline.Request{
		Filename: "widget-custom-v3.zip",
		Data:     validArchive(t),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	files := unzip(t, art.Data)
	want := map[string]string{
		"Manifest/widget-custom-v3_vela.tflite": "compiled:float model",
		"Manifest/labels.txt":                   "idle\nwave\nsnake",
	}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("manifest = %v\nwant %v", files, want)
	}
	if got := strings.Split(files["Manifest/labels.txt"], "\n"); len(got) != 3 {
		t.Errorf("labels.txt has %d lines, want 3", len(got))
	}
	if art.Name != "Manifest.zip" {
		t.Errorf("Name = %q", art.Name)
	}
	if art.Identity != (naming.Identity{ModelName: "widget", Version: "v3"}) {
		t.Errorf("Identity = %+v", art.Identity)
	}
	if !reflect.DeepEqual(art.Labels, labels.Set{"idle", "wave", "snake"}) {
		t.Errorf("Labels = %q", art.Labels)
	}
	if len(art.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", art.Warnings)
	}
	if art.Compiler == nil || !strings.Contains(art.Compiler.Stdout, "Network summary") {
		t.Errorf("compiler stdout not captured: %+v", art.Compiler)
	}
	if art.RequestID == "" {
		t.Error("RequestID not set")
	}

	wantStages := []pipeline.Stage{
		pipeline.Received, pipeline.Staged, pipeline.Compiled, pipeline.OutputResolved,
		pipeline.LabelsExtracted, pipeline.Packaged, pipeline.Done,
	}
	if got := rec.stages(); !reflect.DeepEqual(got, wantStages) {
		t.Errorf("stages = %v\nwant %v", got, wantStages)
	}
	if !rec.has(pipeline.EventOutput, "") {
		t.Error("compiler stdout not reported to observer")
	}
	assertEmpty(t, root)
}

func TestRunLegacyOutputName(t *testing.T) {
	cfg := fakeVela(t, `cp "$in" "$out/MOD00001.tfl"`)
	p, root := newPipeline(t, cfg, nil)

	art, err := p.Run(context.Background(), pipeline.Request{Filename: "kiwi-custom-2.zip", Data: validArchive(t)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := unzip(t, art.Data)["Manifest/kiwi-custom-2_vela.tflite"]; !ok {
		t.Error("canonical model missing from manifest")
	}
	assertEmpty(t, root)
}

func TestRunOverwriteFallbackWarns(t *testing.T) {
	// The compiler rewrites its input in place and emits no new file.
	cfg := fakeVela(t, `printf 'in-place' > "$in"
echo "note: writing over input" >&2`)
	rec := &recorder{}
	p, _ := newPipeline(t, cfg, rec)

	art, err := p.Run(context.Background(), pipeline.Request{Filename: "widget-custom-v3.zip", Data: validArchive(t)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := unzip(t, art.Data)["Manifest/widget-custom-v3_vela.tflite"]; got != "in-place" {
		t.Errorf("model = %q, want the overwritten input", got)
	}
	if !rec.has(pipeline.EventWarning, pipeline.WarnOverwrite) {
		t.Error("overwrite fallback not reported as a warning")
	}
	if !rec.has(pipeline.EventWarning, pipeline.WarnCompilerStderr) {
		t.Error("compiler stderr not reported as a warning")
	}
	if len(art.Warnings) != 2 {
		t.Errorf("Warnings = %v", art.Warnings)
	}
}

func TestRunUploadManifestDirNotPackaged(t *testing.T) {
	cfg := fakeVela(t, `cp "$in" "$out/trained_vela.tflite"`)
	p, root := newPipeline(t, cfg, nil)

	data := archive(t, map[string]string{
		"trained.tflite":                     "float model",
		"model-parameters/model_variables.h": threeLabels,
		"Manifest/stale.txt":                 "from the upload",
	})
	art, err := p.Run(context.Background(), pipeline.Request{Filename: "w-custom-1.zip", Data: data})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	files := unzip(t, art.Data)
	if len(files) != 2 {
		t.Errorf("manifest has %d files, want 2: %v", len(files), files)
	}
	if _, ok := files["Manifest/stale.txt"]; ok {
		t.Error("upload's Manifest/stale.txt leaked into the manifest")
	}
	assertEmpty(t, root)
}

func TestRunCompilerFailure(t *testing.T) {
	cfg := fakeVela(t, `echo "parsing" 
echo "Error: unsupported op CUSTOM" >&2
exit 1`)
	rec := &recorder{}
	p, root := newPipeline(t, cfg, rec)

	art, err := p.Run(context.Background(), pipeline.Request{Filename: "widget-custom-v3.zip", Data: validArchive(t)})
	if art != nil {
		t.Error("expected no artifact on failure")
	}
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StageError, got %v", err)
	}
	if se.Stage != pipeline.Compiled {
		t.Errorf("Stage = %s, want compiled", se.Stage)
	}
	if !errors.Is(err, compiler.ErrCompilation) {
		t.Errorf("expected ErrCompilation, got %v", err)
	}
	if !strings.Contains(se.Stderr, "unsupported op CUSTOM") || !strings.Contains(se.Stdout, "parsing") {
		t.Errorf("compiler output not attached: stdout=%q stderr=%q", se.Stdout, se.Stderr)
	}
	if !rec.has(pipeline.EventFailed, "") {
		t.Error("failure not reported to observer")
	}
	for _, s := range rec.stages() {
		if s >= pipeline.Compiled {
			t.Errorf("stage %s reached after compiler failure", s)
		}
	}
	assertEmpty(t, root)
}

func TestRunToolMissing(t *testing.T) {
	p, root := newPipeline(t, compiler.Config{Binary: filepath.Join(t.TempDir(), "no-vela")}, nil)
	_, err := p.Run(context.Background(), pipeline.Request{Filename: "widget-custom-v3.zip", Data: validArchive(t)})
	if !errors.Is(err, compiler.ErrToolMissing) {
		t.Fatalf("expected ErrToolMissing, got %v", err)
	}
	var se *pipeline.StageError
	if errors.As(err, &se) && se.Stage != pipeline.Compiled {
		t.Errorf("Stage = %s", se.Stage)
	}
	assertEmpty(t, root)
}

func TestRunMissingVariablesSkipsCompiler(t *testing.T) {
	cc := &countingCompiler{}
	root := t.TempDir()
	p := pipeline.New(pipeline.Config{WorkDir: root, Compiler: cc})

	data := archive(t, map[string]string{"trained.tflite": "model"})
	_, err := p.Run(context.Background(), pipeline.Request{Filename: "widget-custom-v3.zip", Data: data})

	var missing *stage.MissingInputError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingInputError, got %v", err)
	}
	if missing.Path != stage.VariablesFile {
		t.Errorf("missing = %s", missing.Path)
	}
	var se *pipeline.StageError
	if errors.As(err, &se) && se.Stage != pipeline.Staged {
		t.Errorf("Stage = %s, want staged", se.Stage)
	}
	if cc.calls != 0 {
		t.Errorf("compiler invoked %d times before inputs were verified", cc.calls)
	}
	assertEmpty(t, root)
}

func TestRunInvalidName(t *testing.T) {
	cc := &countingCompiler{}
	root := t.TempDir()
	p := pipeline.New(pipeline.Config{WorkDir: root, Compiler: cc})

	_, err := p.Run(context.Background(), pipeline.Request{Filename: "widget-v3.zip", Data: validArchive(t)})
	var nameErr *naming.InvalidNameError
	if !errors.As(err, &nameErr) {
		t.Fatalf("expected *InvalidNameError, got %v", err)
	}
	var se *pipeline.StageError
	if errors.As(err, &se) && se.Stage != pipeline.Received {
		t.Errorf("Stage = %s, want received", se.Stage)
	}
	assertEmpty(t, root)
}

func TestRunEmptyUpload(t *testing.T) {
	p := pipeline.New(pipeline.Config{WorkDir: t.TempDir(), Compiler: &countingCompiler{}})
	_, err := p.Run(context.Background(), pipeline.Request{Filename: "widget-custom-v3.zip"})
	if !errors.Is(err, pipeline.ErrEmptyUpload) {
		t.Fatalf("expected ErrEmptyUpload, got %v", err)
	}
}

func TestRunNoOutput(t *testing.T) {
	// The compiler succeeds but removes its input and writes nothing.
	cfg := fakeVela(t, `rm -f "$in"`)
	p, root := newPipeline(t, cfg, nil)

	_, err := p.Run(context.Background(), pipeline.Request{Filename: "widget-custom-v3.zip", Data: validArchive(t)})
	var nf *resolve.OutputNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *OutputNotFoundError, got %v", err)
	}
	if !strings.Contains(err.Error(), "MOD00001.tfl") {
		t.Errorf("error does not list candidates: %v", err)
	}
	assertEmpty(t, root)
}

func TestRunNoLabels(t *testing.T) {
	cfg := fakeVela(t, `cp "$in" "$out/trained_vela.tflite"`)
	p, root := newPipeline(t, cfg, nil)

	data := archive(t, map[string]string{
		"trained.tflite":                     "model",
		"model-parameters/model_variables.h": "const char* ei_classifier_inferencing_categories[] = { };",
	})
	_, err := p.Run(context.Background(), pipeline.Request{Filename: "widget-custom-v3.zip", Data: data})
	if !errors.Is(err, labels.ErrNoLabels) {
		t.Fatalf("expected ErrNoLabels, got %v", err)
	}
	var se *pipeline.StageError
	if errors.As(err, &se) && se.Stage != pipeline.LabelsExtracted {
		t.Errorf("Stage = %s", se.Stage)
	}
	assertEmpty(t, root)
}

func TestStageErrorMessage(t *testing.T) {
	err := &pipeline.StageError{Stage: pipeline.Compiled, Err: errors.New("boom")}
	if got := err.Error(); got != "compile model failed: boom" {
		t.Errorf("Error() = %q", got)
	}
	if pipeline.LabelsExtracted.String() != "labels-extracted" {
		t.Errorf("String() = %q", pipeline.LabelsExtracted.String())
	}
}

func TestObservers(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	obs := pipeline.Observers{a, nil, b}
	obs.Observe(pipeline.Event{Stage: pipeline.Done})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("fan-out delivered %d and %d events", len(a.events), len(b.events))
	}
}

func TestObserverFunc(t *testing.T) {
	var kinds []pipeline.EventKind
	p, _ := newPipeline(t, compiler.Config{}, pipeline.ObserverFunc(func(e pipeline.Event) {
		kinds = append(kinds, e.Kind)
	}))
	if _, err := p.Run(context.Background(), pipeline.Request{Filename: "widget-custom-v3.zip"}); err == nil {
		t.Fatal("expected empty upload error")
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != pipeline.EventFailed {
		t.Errorf("events = %v, want a trailing failure", kinds)
	}
}
