// Package config defines the functional-options configuration shared by the
// engine, server, and client.
package config

// Config holds every tunable of the engine and server. Partitions and
// IndexCapacity are part of the on-disk contract and must not change across
// the lifetime of a data directory.
type Config struct {
	Partitions    int
	IndexCapacity int // N: hashes per index file
	PrefixSize    int // HashPrefix width in bytes
	DataDir       string
	ListenAddr    string
}

// Option mutates a Config during construction.
type Option func(*Config)

// Default returns the baseline configuration: 4 partitions, N=15625,
// 4-byte prefixes, data under "./data", listening on ":8080".
func Default() Config {
	return Config{
		Partitions:    4,
		IndexCapacity: 15625,
		PrefixSize:    4,
		DataDir:       "data",
		ListenAddr:    ":8080",
	}
}

// New builds a Config starting from Default and applying opts in order.
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithPartitions(p int) Option {
	return func(c *Config) { c.Partitions = p }
}

func WithIndexCapacity(n int) Option {
	return func(c *Config) { c.IndexCapacity = n }
}

func WithPrefixSize(n int) Option {
	return func(c *Config) { c.PrefixSize = n }
}

func WithDataDir(dir string) Option {
	return func(c *Config) { c.DataDir = dir }
}

func WithListenAddr(addr string) Option {
	return func(c *Config) { c.ListenAddr = addr }
}
