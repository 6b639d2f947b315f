// Package resolve locates the compiler's output file. vela does not
// guarantee its output name, so resolution walks an ordered list of known
// conventions and then falls back to an in-place overwrite of the input.
package resolve

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Fixed names observed from older and generic compiler builds.
const (
	LegacyName  = "MOD00001.tfl"
	GenericName = "output.tflite"
)

// Resolved is the located output. Overwritten is set when no distinct
// output exists and the input file itself is assumed to hold the compiled
// model; callers should surface that as a warning.
type Resolved struct {
	Path        string
	Overwritten bool
}

// OutputNotFoundError lists every path tried.
type OutputNotFoundError struct {
	Dir        string
	Candidates []string
}

func (e *OutputNotFoundError) Error() string {
	return fmt.Sprintf("could not find compiler output in %s; looked for %s",
		e.Dir, strings.Join(e.Candidates, ", "))
}

// Candidates returns the output paths to try, most likely first:
// <stem>_vela<ext>, MOD00001.tfl, output.tflite.
func Candidates(dir, inputName string) []string {
	ext := filepath.Ext(inputName)
	stem := strings.TrimSuffix(filepath.Base(inputName), ext)
	return []string{
		filepath.Join(dir, stem+"_vela"+ext),
		filepath.Join(dir, LegacyName),
		filepath.Join(dir, GenericName),
	}
}

// Resolve returns the first candidate present in dir. When none is present
// but dir still holds inputName, that file is returned with Overwritten set.
func Resolve(dir, inputName string) (Resolved, error) {
	candidates := Candidates(dir, inputName)
	for _, path := range candidates {
		if isFile(path) {
			return Resolved{Path: path}, nil
		}
	}
	original := filepath.Join(dir, filepath.Base(inputName))
	if isFile(original) {
		return Resolved{Path: original, Overwritten: true}, nil
	}
	return Resolved{}, &OutputNotFoundError{
		Dir:        dir,
		Candidates: append(candidates, original),
	}
}

// Canonicalize resolves the output in dir and moves it to
// dir/canonicalName. The returned Path is the canonical path.
func Canonicalize(dir, inputName, canonicalName string) (Resolved, error) {
	r, err := Resolve(dir, inputName)
	if err != nil {
		return Resolved{}, err
	}
	dst := filepath.Join(dir, canonicalName)
	if err := Move(r.Path, dst); err != nil {
		return Resolved{}, err
	}
	r.Path = dst
	return r, nil
}

// Move renames src to dst, creating dst's directory and replacing any file
// already at dst.
func Move(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; copy instead.
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
