// Package report renders a conversion as a markdown document with YAML
// frontmatter, for archiving next to the produced Manifest.zip.
//
// Document layout:
//
//	---
//	<Summary as YAML>
//	---
//	# <container>
//	## Labels
//	## Warnings          (only when present)
//	## Compiler output   (stdout and stderr in fenced blocks)
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"velapack/internal/pipeline"
)

const fence = "---\n"

// ErrMalformed matches a report without a closed frontmatter block.
var ErrMalformed = errors.New("malformed report")

// Summary is the frontmatter of a report.
type Summary struct {
	Version   int      `yaml:"version"`
	RequestID string   `yaml:"request_id"`
	Status    string   `yaml:"status"`
	Model     string   `yaml:"model,omitempty"`
	Release   string   `yaml:"release,omitempty"`
	Artifact  string   `yaml:"artifact,omitempty"`
	Stage     string   `yaml:"failed_stage,omitempty"`
	Error     string   `yaml:"error,omitempty"`
	Labels    []string `yaml:"labels,omitempty"`
	Warnings  int      `yaml:"warnings"`
	Command   []string `yaml:"command,omitempty"`
	Duration  string   `yaml:"duration,omitempty"`
	Generated string   `yaml:"generated"`
}

// Document is a parsed report.
type Document struct {
	Summary Summary
	Body    string
}

// Success renders the report for a finished conversion.
func Success(art *pipeline.Artifact, now time.Time) ([]byte, error) {
	sum := Summary{
		Version:   1,
		RequestID: art.RequestID,
		Status:    "ok",
		Model:     art.Identity.ModelName,
		Release:   art.Identity.Version,
		Artifact:  art.Name,
		Labels:    art.Labels,
		Warnings:  len(art.Warnings),
		Duration:  art.Duration.Round(time.Millisecond).String(),
		Generated: now.UTC().Format(time.RFC3339),
	}
	var stdout, stderr string
	if art.Compiler != nil {
		sum.Command = art.Compiler.Command
		stdout, stderr = art.Compiler.Stdout, art.Compiler.Stderr
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("# %s\n\n", art.Identity.Container()))
	b.WriteString(fmt.Sprintf("Packaged `%s` with `%s` and `labels.txt`.\n\n", art.Name, art.Identity.CompiledName()))
	b.WriteString("## Labels\n\n")
	for i, l := range art.Labels {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, l))
	}
	writeWarnings(&b, art.Warnings)
	writeOutput(&b, stdout, stderr)
	return sum.render(b.String())
}

// Failure renders the report for a failed conversion.
func Failure(filename string, err error, now time.Time) ([]byte, error) {
	sum := Summary{
		Version:   1,
		Status:    "failed",
		Error:     err.Error(),
		Generated: now.UTC().Format(time.RFC3339),
	}
	var stdout, stderr string
	var se *pipeline.StageError
	if errors.As(err, &se) {
		sum.Stage = se.Stage.String()
		sum.Error = se.Err.Error()
		stdout, stderr = se.Stdout, se.Stderr
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("# %s\n\n", filename))
	b.WriteString(fmt.Sprintf("Conversion failed: %s\n", err))
	writeOutput(&b, stdout, stderr)
	return sum.render(b.String())
}

// Parse reads a report produced by Success or Failure.
func Parse(data []byte) (*Document, error) {
	rest, ok := strings.CutPrefix(string(data), fence)
	if !ok {
		return nil, fmt.Errorf("%w: no opening fence", ErrMalformed)
	}
	front, body, ok := strings.Cut(rest, "\n"+fence)
	if !ok {
		return nil, fmt.Errorf("%w: no closing fence", ErrMalformed)
	}
	var doc Document
	if err := yaml.Unmarshal([]byte(front), &doc.Summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	doc.Body = body
	return &doc, nil
}

// render emits the summary between fences, then body.
func (s Summary) render(body string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(fence)
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	b.WriteString(fence)
	b.WriteString(body)
	return []byte(b.String()), nil
}

func writeWarnings(b *strings.Builder, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	b.WriteString("\n## Warnings\n\n")
	for _, w := range warnings {
		first, _, _ := strings.Cut(w, "\n")
		b.WriteString("- " + first + "\n")
	}
}

func writeOutput(b *strings.Builder, stdout, stderr string) {
	if stdout == "" && stderr == "" {
		return
	}
	b.WriteString("\n## Compiler output\n")
	if stdout != "" {
		b.WriteString("\n### stdout\n\n```\n" + strings.TrimRight(stdout, "\n") + "\n```\n")
	}
	if stderr != "" {
		b.WriteString("\n### stderr\n\n```\n" + strings.TrimRight(stderr, "\n") + "\n```\n")
	}
}
