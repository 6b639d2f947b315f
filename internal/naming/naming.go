// Package naming parses the archive filename convention
// <model>-custom-<version>.zip into a model identity.
package naming

import (
	"fmt"
	"path"
	"strings"
)

const (
	// Separator splits the model name from the version. The first
	// occurrence wins.
	Separator = "-custom-"

	zipExt       = ".zip"
	compiledTail = "_vela.tflite"
)

// Identity names one model build.
type Identity struct {
	ModelName string
	Version   string
}

// Container returns "<model>-custom-<version>".
func (id Identity) Container() string {
	return id.ModelName + Separator + id.Version
}

// CompiledName returns the canonical filename of the compiled model.
func (id Identity) CompiledName() string {
	return id.Container() + compiledTail
}

func (id Identity) String() string { return id.Container() }

// InvalidNameError reports a filename that does not follow the convention.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid archive name %q: %s", e.Name, e.Reason)
}

// Parse extracts the identity from filename. Directory components are
// ignored, so both "a-custom-1.zip" and "/tmp/a-custom-1.zip" parse.
func Parse(filename string) (Identity, error) {
	// Browsers on Windows may send the full client path.
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if !strings.HasSuffix(name, zipExt) {
		return Identity{}, &InvalidNameError{Name: name, Reason: "archive must end with .zip"}
	}
	base := strings.TrimSuffix(name, zipExt)
	model, version, ok := strings.Cut(base, Separator)
	if !ok {
		return Identity{}, &InvalidNameError{
			Name:   name,
			Reason: fmt.Sprintf("name must contain %q (e.g. mymodel-custom-v10.zip)", Separator),
		}
	}
	if model == "" || version == "" {
		return Identity{}, &InvalidNameError{Name: name, Reason: "empty segment before or after " + Separator}
	}
	return Identity{ModelName: model, Version: version}, nil
}
