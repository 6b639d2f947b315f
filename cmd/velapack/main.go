package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"velapack/internal/compiler"
	"velapack/internal/labels"
	"velapack/internal/manifest"
	"velapack/internal/metrics"
	"velapack/internal/pipeline"
	"velapack/internal/report"
	"velapack/internal/server"
	"velapack/internal/settings"
)

// command describes a CLI subcommand.
type command struct {
	name  string
	short string
	usage string
	long  string
	run   func(args []string) error
}

var commands = []command{
	{
		name:  "convert",
		short: "Compile a model archive into Manifest.zip",
		usage: "velapack convert [-o dir] [-report file] [-plain] [-config file] <model>-custom-<version>.zip",
		long: `Unpack the archive, compile trained.tflite with vela for ethos-u55-64
(Shared_Sram), extract labels from model-parameters/model_variables.h and
write Manifest.zip into the output directory.

Flags:
  -o dir         output directory (default ".")
  -report file   also write a markdown conversion report
  -plain         print progress lines instead of the interactive view
  -config file   settings file (default ~/.velapack/settings.yaml)
`,
		run: runConvert,
	},
	{
		name:  "serve",
		short: "Serve conversions over HTTP",
		usage: "velapack serve [-addr host:port] [-config file]",
		long: `Start the HTTP front end.

  POST /convert   multipart field "file" (or raw body with ?filename=)
                  returns Manifest.zip
  GET  /healthz   liveness
  GET  /metrics   Prometheus metrics
`,
		run: runServe,
	},
	{
		name:  "labels",
		short: "Print the labels declared in a model_variables.h",
		usage: "velapack labels <model_variables.h>",
		long: `Print one label per line, in model output order.
`,
		run: runLabels,
	},
	{
		name:  "inspect",
		short: "List the files inside a Manifest.zip",
		usage: "velapack inspect <Manifest.zip>",
		long: `List the file entries of a manifest archive.
`,
		run: runInspect,
	},
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "velapack - Edge Impulse model to Ethos-U55 manifest converter\n\n")
	fmt.Fprintf(w, "Usage:\n  velapack <command> [arguments]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.short)
	}
	fmt.Fprintf(w, "\nRun 'velapack help <command>' for details on a specific command.\n")
}

func printCommandHelp(w io.Writer, name string) {
	for _, cmd := range commands {
		if cmd.name == name {
			fmt.Fprintf(w, "Usage: %s\n\n%s", cmd.usage, cmd.long)
			return
		}
	}
	fmt.Fprintf(w, "velapack: unknown command %q\n\nRun 'velapack help' for usage.\n", name)
}

func dispatch(args []string) error {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(os.Stdout)
		return nil
	}
	if args[0] == "help" {
		if len(args) >= 2 {
			printCommandHelp(os.Stdout, args[1])
		} else {
			printUsage(os.Stdout)
		}
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(args[1:])
		}
	}
	return fmt.Errorf("unknown command %q\n\nRun 'velapack help' for usage.", args[0])
}

// newFlags returns a flag set that reports errors instead of exiting.
func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func loadSettings(path string) (*settings.Settings, error) {
	if path == "" {
		p, err := settings.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return settings.Load(path)
}

// ---------------------------------------------------------------------------
// convert
// ---------------------------------------------------------------------------

func runConvert(args []string) error {
	fs := newFlags("convert")
	outDir := fs.String("o", ".", "output directory")
	reportPath := fs.String("report", "", "write a markdown report to this file")
	plain := fs.Bool("plain", false, "print progress lines")
	configPath := fs.String("config", "", "settings file")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return fmt.Errorf("usage: %s", commandUsage("convert"))
	}
	archive := fs.Arg(0)

	cfg, err := loadSettings(*configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	req := pipeline.Request{Filename: filepath.Base(archive), Data: data}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipelineCfg := pipeline.Config{WorkDir: cfg.WorkDir}
	var art *pipeline.Artifact
	if *plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		pipelineCfg.Observer = printObserver{w: os.Stdout}
		art, err = newPipeline(cfg, pipelineCfg).Run(ctx, req)
	} else {
		art, err = runWithProgress(ctx, cfg, pipelineCfg, req)
	}

	if *reportPath != "" {
		if rerr := writeReport(*reportPath, req.Filename, art, err); rerr != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", rerr)
		}
	}
	if err != nil {
		printFailure(os.Stderr, err)
		return errors.New("conversion failed")
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	dst := filepath.Join(*outDir, art.Name)
	if err := os.WriteFile(dst, art.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", art.Name, err)
	}
	fmt.Printf("%s created: %s (%d labels)\n", art.Name, dst, len(art.Labels))
	return nil
}

func newPipeline(cfg *settings.Settings, pc pipeline.Config) *pipeline.Pipeline {
	pc.Compiler = compiler.New(cfg.CompilerConfig())
	pc.MaxExtractBytes = cfg.MaxExtractBytes
	return pipeline.New(pc)
}

// printFailure writes the stage, error and any compiler output.
func printFailure(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		return
	}
	if se.Stdout != "" {
		fmt.Fprintf(w, "\ncompiler stdout:\n%s\n", strings.TrimRight(se.Stdout, "\n"))
	}
	if se.Stderr != "" {
		fmt.Fprintf(w, "\ncompiler stderr:\n%s\n", strings.TrimRight(se.Stderr, "\n"))
	}
}

func writeReport(path, filename string, art *pipeline.Artifact, runErr error) error {
	var (
		data []byte
		err  error
	)
	if runErr != nil {
		data, err = report.Failure(filename, runErr, time.Now())
	} else {
		data, err = report.Success(art, time.Now())
	}
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// printObserver prints progress as plain lines.
type printObserver struct {
	w io.Writer
}

func (o printObserver) Observe(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EventInfo:
		fmt.Fprintf(o.w, "%s\n", e.Message)
	case pipeline.EventOutput:
		fmt.Fprintf(o.w, "%s\n", strings.TrimRight(e.Message, "\n"))
	case pipeline.EventWarning:
		fmt.Fprintf(o.w, "warning: %s\n", strings.TrimRight(e.Message, "\n"))
	case pipeline.EventStage:
		if e.Stage == pipeline.Compiled {
			fmt.Fprintf(o.w, "compilation finished in %s\n", e.Duration.Round(time.Millisecond))
		}
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func runServe(args []string) error {
	fs := newFlags("serve")
	addr := fs.String("addr", "", "listen address")
	configPath := fs.String("config", "", "settings file")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return fmt.Errorf("usage: %s", commandUsage("serve"))
	}
	cfg, err := loadSettings(*configPath)
	if err != nil {
		return err
	}
	if *addr == "" {
		*addr = cfg.Server.Addr
	}

	opts := server.Options{
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		ShutdownTimeout: cfg.ShutdownGrace(),
	}
	var m metrics.Metrics = metrics.Noop{}
	if !cfg.Server.DisableMetrics {
		m = metrics.NewProm("velapack", nil)
		opts.Metrics = metrics.Handler(nil)
	}
	p := newPipeline(cfg, pipeline.Config{
		WorkDir:  cfg.WorkDir,
		Observer: pipeline.Observers{pipeline.LogObserver{}, metrics.Observer{M: m}},
	})
	srv := server.New(p, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx, *addr)
}

// ---------------------------------------------------------------------------
// labels
// ---------------------------------------------------------------------------

func runLabels(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commandUsage("labels"))
	}
	set, err := labels.ExtractFile(args[0])
	if err != nil {
		return err
	}
	fmt.Println(set.Text())
	return nil
}

// ---------------------------------------------------------------------------
// inspect
// ---------------------------------------------------------------------------

func runInspect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commandUsage("inspect"))
	}
	names, err := manifest.List(args[0])
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func commandUsage(name string) string {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.usage
		}
	}
	return name
}

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
