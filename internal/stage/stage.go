// Package stage extracts an uploaded model archive into a per-request
// working area and checks that the inputs the compiler needs are present.
//
// Working area layout:
//
//	<root>/<container>-XXXX/
//	    <container>.zip                      # the upload as received
//	    work/<container>/                    # extracted archive (Dir)
//	        trained.tflite
//	        model-parameters/model_variables.h
package stage

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"velapack/internal/naming"
)

// Relative paths of the required inputs inside the extracted archive.
const (
	ModelFile     = "trained.tflite"
	VariablesFile = "model-parameters/model_variables.h"
)

// DefaultMaxExtractBytes caps the total decompressed size of an archive
// when no limit is given.
const DefaultMaxExtractBytes int64 = 2 << 30

// RequiredFiles lists the inputs in the order they are checked.
var RequiredFiles = []string{ModelFile, VariablesFile}

// WorkingArea is the scratch tree owned by one conversion request.
type WorkingArea struct {
	// Root is the request's temp directory; Remove deletes it.
	Root string
	// Dir holds the extracted archive and every derived file.
	Dir      string
	Identity naming.Identity
}

// ModelPath returns the path of trained.tflite.
func (w *WorkingArea) ModelPath() string {
	return filepath.Join(w.Dir, ModelFile)
}

// VariablesPath returns the path of model_variables.h.
func (w *WorkingArea) VariablesPath() string {
	return filepath.Join(w.Dir, filepath.FromSlash(VariablesFile))
}

// Remove deletes the working area recursively. Safe on a nil receiver.
func (w *WorkingArea) Remove() error {
	if w == nil || w.Root == "" {
		return nil
	}
	if err := os.RemoveAll(w.Root); err != nil {
		return fmt.Errorf("remove working area: %w", err)
	}
	return nil
}

// MissingInputError names the first required file absent after extraction.
type MissingInputError struct {
	Path string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("required input %s not found in archive", e.Path)
}

// UnsafeEntryError reports an archive entry that would land outside the
// working area.
type UnsafeEntryError struct {
	Name string
}

func (e *UnsafeEntryError) Error() string {
	return fmt.Sprintf("archive entry %q escapes the extraction directory", e.Name)
}

// TooLargeError reports an archive whose contents exceed the extraction
// limit. Name is the entry being written when the limit was reached.
type TooLargeError struct {
	Name  string
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("archive expands past %d bytes (at %s)", e.Limit, e.Name)
}

// Stage creates a fresh working area under root ("" means os.TempDir()),
// extracts at most limit decompressed bytes of data into it and verifies
// the required inputs. A limit <= 0 means DefaultMaxExtractBytes.
//
// Once the temp directory exists the returned *WorkingArea is non-nil even
// when err is non-nil; the caller removes it.
func Stage(root string, id naming.Identity, data []byte, limit int64) (*WorkingArea, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create workdir root: %w", err)
		}
	}
	tmp, err := os.MkdirTemp(root, id.Container()+"-")
	if err != nil {
		return nil, fmt.Errorf("create working area: %w", err)
	}
	wa := &WorkingArea{
		Root:     tmp,
		Dir:      filepath.Join(tmp, "work", id.Container()),
		Identity: id,
	}

	upload := filepath.Join(tmp, id.Container()+".zip")
	if err := os.WriteFile(upload, data, 0o644); err != nil {
		return wa, fmt.Errorf("save upload: %w", err)
	}
	if err := os.MkdirAll(wa.Dir, 0o755); err != nil {
		return wa, fmt.Errorf("create work dir: %w", err)
	}
	if err := Extract(data, wa.Dir, limit); err != nil {
		return wa, err
	}
	if err := Verify(wa.Dir); err != nil {
		return wa, err
	}
	return wa, nil
}

// Verify checks RequiredFiles under dir in order.
func Verify(dir string) error {
	for _, rel := range RequiredFiles {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil || info.IsDir() {
			return &MissingInputError{Path: rel}
		}
	}
	return nil
}

// Extract unpacks every entry of the zip archive in data into dst,
// preserving the archive's directory structure. It stops with a
// *TooLargeError once more than limit bytes have been written
// (limit <= 0 means DefaultMaxExtractBytes).
func Extract(data []byte, dst string, limit int64) error {
	if limit <= 0 {
		limit = DefaultMaxExtractBytes
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	// ErrInsecurePath still yields a usable reader; entryPath rejects the
	// offending names below.
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return fmt.Errorf("open archive: %w", err)
	}
	remaining := limit
	for _, f := range zr.File {
		target, err := entryPath(dst, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", f.Name, err)
			}
			continue
		}
		n, err := extractFile(f, target, remaining)
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		if n > remaining {
			return &TooLargeError{Name: f.Name, Limit: limit}
		}
		remaining -= n
	}
	return nil
}

// entryPath maps an archive entry name to a path under dst, rejecting
// absolute names and names that climb out of dst.
func entryPath(dst, name string) (string, error) {
	clean := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") {
		return "", &UnsafeEntryError{Name: name}
	}
	target := filepath.Join(dst, clean)
	rel, err := filepath.Rel(dst, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &UnsafeEntryError{Name: name}
	}
	return target, nil
}

// extractFile writes f to target, copying at most budget+1 bytes so the
// caller can tell an overrun from an exact fit.
func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, err
	}
	return n, out.Close()
}
