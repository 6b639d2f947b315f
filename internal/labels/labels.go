// Package labels recovers class labels from the model_variables.h header
// generated by Edge Impulse.
package labels

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Declaration is the C array whose initializer lists the labels.
const Declaration = "ei_classifier_inferencing_categories"

// ErrNoLabels matches a header without a usable label declaration.
var ErrNoLabels = errors.New("no labels found")

// Set is an ordered list of labels; index i is model output i.
type Set []string

// Text renders the set as labels.txt content: one label per line, no
// trailing newline.
func (s Set) Text() string {
	return strings.Join(s, "\n")
}

// NotFoundError reports a header with no declaration or an empty
// initializer. The two cases are deliberately not told apart.
type NotFoundError struct {
	Source string
}

func (e *NotFoundError) Error() string {
	if e.Source == "" {
		return "no labels found in header"
	}
	return fmt.Sprintf("no labels found in %s", e.Source)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNoLabels }

var (
	// const char* ei_classifier_inferencing_categories[N] = { ... };
	// The match spans lines and tolerates whitespace, qualifiers and array
	// sizes between the type and the initializer.
	declRE = regexp.MustCompile(`(?s)const\s+char\s*\*\s*(?:const\s+)?` + Declaration + `[^=;{]*=\s*\{(.*?)\}\s*;`)
	// A C string literal, escapes included.
	literalRE = regexp.MustCompile(`"((?:[^"\\\n]|\\.)*)"`)
)

// Extract returns the labels declared in header text, in source order.
// Invalid UTF-8 is replaced rather than rejected.
func Extract(text string) (Set, error) {
	return extract(text, "")
}

// ExtractFile reads path and extracts its labels.
func ExtractFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return extract(string(data), path)
}

func extract(text, source string) (Set, error) {
	text = strings.ToValidUTF8(text, "\uFFFD")
	m := declRE.FindStringSubmatch(text)
	if m == nil {
		return nil, &NotFoundError{Source: source}
	}
	var set Set
	for _, lit := range literalRE.FindAllStringSubmatch(m[1], -1) {
		label := unescape(lit[1])
		if label == "" {
			continue
		}
		set = append(set, label)
	}
	if len(set) == 0 {
		return nil, &NotFoundError{Source: source}
	}
	return set, nil
}

// unescape decodes C escape sequences. Literals Go cannot decode, and
// literals that would decode to a line break, are kept as written: a label
// must stay on one line of labels.txt.
func unescape(raw string) string {
	if !strings.Contains(raw, `\`) {
		return raw
	}
	s, err := strconv.Unquote(`"` + raw + `"`)
	if err != nil || strings.ContainsAny(s, "\r\n") {
		return raw
	}
	return s
}
