/*
	Package session holds the TOML configuration for one visualization
	session: the endpoints of each pipe channel, the request timeout and
	reconnect policy, logging, and server-side store settings.
*/

package session

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/casangi/cubepipe/cube"
	"github.com/casangi/cubepipe/pipe"
)

const (
	// DefaultHost serves a local session.
	DefaultHost = "localhost"

	// Default ports for each channel role.  A remote session forwards
	// these from the compute host; only the reachable (host, port) pairs
	// matter here.
	DefaultControlPort  = 9300
	DefaultDataPort     = 9301
	DefaultImagePort    = 9302
	DefaultConvergePort = 9303
)

// duration is a TOML-friendly time.Duration ("500ms", "10s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type Config struct {
	Pipe    pipeConfig     `toml:"pipe"`
	Backoff backoffConfig  `toml:"backoff"`
	Logging cube.LogConfig `toml:"logging"`
	Store   storeConfig    `toml:"store"`
}

type pipeConfig struct {
	Host           string   `toml:"host"`
	ControlPort    int      `toml:"control_port"`
	DataPort       int      `toml:"data_port"`
	ImagePort      int      `toml:"image_port"`
	ConvergePort   int      `toml:"converge_port"`
	RequestTimeout duration `toml:"request_timeout"`
}

type backoffConfig struct {
	Base    duration `toml:"base"`
	Max     duration `toml:"max"`
	Retries int      `toml:"retries"`
}

type storeConfig struct {
	Root         string `toml:"root"`
	CacheBytes   int    `toml:"cache_bytes"`
	FetchWorkers int64  `toml:"fetch_workers"`
}

// Default returns the configuration for a local session with no config
// file.
func Default() Config {
	backoff := pipe.DefaultBackoff()
	return Config{
		Pipe: pipeConfig{
			Host:           DefaultHost,
			ControlPort:    DefaultControlPort,
			DataPort:       DefaultDataPort,
			ImagePort:      DefaultImagePort,
			ConvergePort:   DefaultConvergePort,
			RequestTimeout: duration{pipe.DefaultRequestTimeout},
		},
		Backoff: backoffConfig{
			Base:    duration{backoff.Base},
			Max:     duration{backoff.Max},
			Retries: backoff.Retries,
		},
		Store: storeConfig{
			FetchWorkers: pipe.DefaultFetchWorkers,
		},
	}
}

// Load reads a TOML config file, filling unset fields with defaults.
func Load(path string) (Config, error) {
	c := Default()
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, fmt.Errorf("cannot load session config %q: %v", path, err)
	}
	for _, key := range meta.Undecoded() {
		cube.Warningf("Session config %q has unknown setting %q\n", path, key)
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.Pipe.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.Backoff.Retries < 0 {
		return fmt.Errorf("backoff retries cannot be negative")
	}
	if c.Backoff.Base.Duration <= 0 || c.Backoff.Max.Duration < c.Backoff.Base.Duration {
		return fmt.Errorf("backoff intervals must satisfy 0 < base <= max")
	}
	return nil
}

// Endpoint returns the session endpoint for a channel role.
func (c Config) Endpoint(role pipe.ChannelRole) (pipe.Endpoint, error) {
	port := 0
	switch role {
	case pipe.ControlChannel:
		port = c.Pipe.ControlPort
	case pipe.DataChannel:
		port = c.Pipe.DataPort
	case pipe.ImageChannel:
		port = c.Pipe.ImagePort
	case pipe.ConvergeChannel:
		port = c.Pipe.ConvergePort
	default:
		return pipe.Endpoint{}, fmt.Errorf("unknown channel role %q", role)
	}
	return pipe.Endpoint{Host: c.Pipe.Host, Port: port, Role: role}, nil
}

// Endpoints returns all four session endpoints.
func (c Config) Endpoints() []pipe.Endpoint {
	roles := []pipe.ChannelRole{pipe.ControlChannel, pipe.DataChannel, pipe.ImageChannel, pipe.ConvergeChannel}
	endpoints := make([]pipe.Endpoint, len(roles))
	for i, role := range roles {
		endpoints[i], _ = c.Endpoint(role)
	}
	return endpoints
}

// RequestTimeout returns the bound on one fetch request.
func (c Config) RequestTimeout() time.Duration {
	return c.Pipe.RequestTimeout.Duration
}

// BackoffPolicy returns the reconnect policy for client connections.
func (c Config) BackoffPolicy() pipe.BackoffConfig {
	return pipe.BackoffConfig{
		Base:    c.Backoff.Base.Duration,
		Max:     c.Backoff.Max.Duration,
		Retries: c.Backoff.Retries,
	}
}
