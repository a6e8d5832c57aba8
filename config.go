package kload

import (
	"io"

	"github.com/ZenLiuCN/fn"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config tunes a Loader.
type Config struct {
	// Debug keeps per-section and per-segment debug logging.
	Debug bool `yaml:"debug"`
	// LenientExternals turns a kernel symbol lookup miss into a warning: the reference stays
	// unresolved and every relocation against it is skipped.
	LenientExternals bool `yaml:"lenient_externals"`
}

// DefaultConfig fails fast on unresolved externals and logs at info level.
func DefaultConfig() Config {
	return Config{}
}

// LoadConfig reads a YAML config from fs. Unknown keys are rejected.
func LoadConfig(fs afero.Fs, path string) (c Config, err error) {
	c = DefaultConfig()
	f, err := fs.Open(path)
	if err != nil {
		return c, errors.Wrap(err, "open config")
	}
	defer fn.IgnoreClose(f)
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	err = dec.Decode(&c)
	if err == io.EOF {
		return c, nil
	}
	if err != nil {
		return DefaultConfig(), errors.Wrapf(err, "decode config %s", path)
	}
	return
}

// Option configures a Loader.
type Option func(*Loader)

func WithConfig(c Config) Option {
	return func(l *Loader) { l.config = c }
}

// WithLogger sets the base logger; debug lines are filtered unless Config.Debug.
func WithLogger(logger log.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}
