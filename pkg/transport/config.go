package transport

import (
	"context"
	"net"
	"time"

	"github.com/ehcache-go/hotrodproxy/pkg/logging"
)

// DialFunc dials a cluster-tier endpoint; swappable for tests.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config carries every knob a Transport needs. There is deliberately no
// file/XML/JSON-backed configuration schema here (that's an explicit
// spec non-goal); a host application builds one of these directly or via
// the Opt functional options below.
type Config struct {
	Addr string

	// ReadTimeout bounds Get. MutativeTimeout bounds every call that
	// installs a barrier (Append, GetAndAppend, ReplaceAtHead, Clear).
	ReadTimeout     time.Duration
	MutativeTimeout time.Duration

	DialFunc DialFunc

	// MaxReadBytes caps a single inbound frame; a frame claiming to be
	// larger is not read into memory, and the connection is torn down.
	MaxReadBytes int32

	Codec  Codec
	Logger logging.Logger
	Hooks  []Hook
}

// Opt mutates a Config; NewConfig folds a list of them over sane
// defaults, the same "functional options over a zero value" shape used
// throughout the rest of the Go ecosystem this module borrows from.
type Opt func(*Config)

func WithAddr(addr string) Opt { return func(c *Config) { c.Addr = addr } }

func WithTimeouts(read, mutative time.Duration) Opt {
	return func(c *Config) {
		c.ReadTimeout = read
		c.MutativeTimeout = mutative
	}
}

func WithDialFunc(fn DialFunc) Opt { return func(c *Config) { c.DialFunc = fn } }

func WithCodec(codec Codec) Opt { return func(c *Config) { c.Codec = codec } }

func WithLogger(l logging.Logger) Opt { return func(c *Config) { c.Logger = l } }

func WithHooks(hooks ...Hook) Opt {
	return func(c *Config) { c.Hooks = append(c.Hooks, hooks...) }
}

func WithMaxReadBytes(n int32) Opt { return func(c *Config) { c.MaxReadBytes = n } }

// NewConfig builds a Config from opts, filling in defaults for anything
// left unset.
func NewConfig(opts ...Opt) Config {
	cfg := Config{
		ReadTimeout:     5 * time.Second,
		MutativeTimeout: 10 * time.Second,
		DialFunc:        (&net.Dialer{}).DialContext,
		MaxReadBytes:    64 << 20,
		Codec:           CodecNone,
		Logger:          logging.Nop,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c Config) hooks() hookSet { return hookSet(c.Hooks) }
