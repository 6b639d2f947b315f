// Package settings loads velapack configuration from a YAML file,
// by default ~/.velapack/settings.yaml.
//
//	compiler:
//	  binary: vela
//	  timeout: 120s
//	workdir: /var/tmp/velapack
//	max_extract_bytes: 2147483648
//	server:
//	  addr: ":8080"
//	  max_upload_bytes: 268435456
//	  disable_metrics: false
//
// Accelerator and memory mode are fixed and cannot be set here.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"velapack/internal/compiler"
	"velapack/internal/stage"
)

const (
	DefaultAddr           = ":8080"
	DefaultMaxUploadBytes = 256 << 20
)

// Settings holds velapack configuration.
type Settings struct {
	Compiler Compiler `yaml:"compiler"`
	// WorkDir is the parent of per-request working areas.
	WorkDir string `yaml:"workdir"`
	// MaxExtractBytes caps the unpacked size of one upload.
	MaxExtractBytes int64  `yaml:"max_extract_bytes"`
	Server          Server `yaml:"server"`
}

// Compiler selects the compiler binary and its time limit.
type Compiler struct {
	Binary  string   `yaml:"binary"`
	Timeout Duration `yaml:"timeout"`
}

// Server configures the HTTP front end.
type Server struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	// DisableMetrics drops the /metrics route and records nothing.
	DisableMetrics bool `yaml:"disable_metrics"`
}

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: negative duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	return &Settings{
		Compiler: Compiler{
			Binary:  compiler.DefaultBinary,
			Timeout: Duration(compiler.DefaultTimeout),
		},
		Server: Server{
			Addr:           DefaultAddr,
			MaxUploadBytes: DefaultMaxUploadBytes,
		},
		MaxExtractBytes: stage.DefaultMaxExtractBytes,
	}
}

// DefaultPath returns ~/.velapack/settings.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".velapack", "settings.yaml"), nil
}

// Load reads settings from path, filling unset fields from Default.
// A missing file is not an error.
func Load(path string) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var file Settings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	s.merge(file)
	return s, nil
}

func (s *Settings) merge(o Settings) {
	if o.Compiler.Binary != "" {
		s.Compiler.Binary = o.Compiler.Binary
	}
	if o.Compiler.Timeout > 0 {
		s.Compiler.Timeout = o.Compiler.Timeout
	}
	if o.WorkDir != "" {
		s.WorkDir = o.WorkDir
	}
	if o.MaxExtractBytes > 0 {
		s.MaxExtractBytes = o.MaxExtractBytes
	}
	if o.Server.Addr != "" {
		s.Server.Addr = o.Server.Addr
	}
	if o.Server.MaxUploadBytes > 0 {
		s.Server.MaxUploadBytes = o.Server.MaxUploadBytes
	}
	if o.Server.DisableMetrics {
		s.Server.DisableMetrics = true
	}
}

// CompilerConfig returns the compiler configuration. Only the binary and
// the timeout come from settings.
func (s *Settings) CompilerConfig() compiler.Config {
	cfg := compiler.DefaultConfig()
	if s == nil {
		return cfg
	}
	if s.Compiler.Binary != "" {
		cfg.Binary = s.Compiler.Binary
	}
	if s.Compiler.Timeout > 0 {
		cfg.Timeout = time.Duration(s.Compiler.Timeout)
	}
	return cfg
}

// ShutdownGrace is how long the server waits for in-flight conversions
// on shutdown: one full compiler run plus a margin for packaging.
func (s *Settings) ShutdownGrace() time.Duration {
	return s.CompilerConfig().Timeout + 10*time.Second
}
