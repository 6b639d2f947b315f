// Package manifest bundles the compiled model and its labels into
// Manifest.zip.
//
// Archive layout:
//
//	Manifest/
//	    <model>-custom-<version>_vela.tflite
//	    labels.txt
package manifest

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"velapack/internal/labels"
)

const (
	// DirName is the single top-level directory inside the archive.
	DirName    = "Manifest"
	ZipName    = DirName + ".zip"
	LabelsName = "labels.txt"
)

// PackagingError reports a manifest that could not be produced.
type PackagingError struct {
	Path string
	Err  error
}

func (e *PackagingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("manifest %s was not created", e.Path)
	}
	return fmt.Sprintf("package manifest %s: %v", e.Path, e.Err)
}

func (e *PackagingError) Unwrap() error { return e.Err }

// Package writes labels.txt into workDir, copies modelPath and labels.txt
// into a fresh workDir/Manifest/ and archives exactly those two files as
// workDir/Manifest.zip. It returns the archive path.
func Package(workDir, modelPath string, set labels.Set) (string, error) {
	zipPath := filepath.Join(workDir, ZipName)
	fail := func(err error) (string, error) {
		return "", &PackagingError{Path: zipPath, Err: err}
	}

	labelsPath := filepath.Join(workDir, LabelsName)
	if err := os.WriteFile(labelsPath, []byte(set.Text()), 0o644); err != nil {
		return fail(fmt.Errorf("write labels: %w", err))
	}

	// The upload is extracted into workDir and may carry its own Manifest/.
	manifestDir := filepath.Join(workDir, DirName)
	if err := os.RemoveAll(manifestDir); err != nil {
		return fail(fmt.Errorf("clear %s: %w", DirName, err))
	}
	if err := os.Mkdir(manifestDir, 0o755); err != nil {
		return fail(fmt.Errorf("create %s: %w", DirName, err))
	}
	var members []string
	for _, src := range []string{modelPath, labelsPath} {
		dst := filepath.Join(manifestDir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return fail(fmt.Errorf("copy %s: %w", filepath.Base(src), err))
		}
		members = append(members, dst)
	}

	if err := writeArchive(zipPath, manifestDir, members); err != nil {
		return fail(err)
	}
	if info, err := os.Stat(zipPath); err != nil || !info.Mode().IsRegular() {
		return "", &PackagingError{Path: zipPath}
	}
	return zipPath, nil
}

// List returns the file entries of a manifest archive in archive order.
// Directory entries are omitted.
func List(zipPath string) ([]string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
	}
	return names, nil
}

// writeArchive writes dir as the archive's single top-level directory
// entry followed by members, named dir's base plus the file name.
func writeArchive(zipPath, dir string, members []string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	base := filepath.Base(dir)
	if err := addEntry(zw, base+"/", dir); err != nil {
		return err
	}
	for _, path := range members {
		if err := addEntry(zw, base+"/"+filepath.Base(path), path); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return out.Close()
}

func addEntry(zw *zip.Writer, name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		_, err := zw.CreateHeader(hdr)
		return err
	}
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	return nil
}

// copyFile copies src to dst, preserving permissions and modification time.
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
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
