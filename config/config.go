// Package config holds ipwis's in-process configuration surface (spec.md
// is silent on config format; SPEC_FULL.md §10.3 grounds this on the
// teacher's typed-struct-plus-functional-defaults layering, simplified
// since ipwis is a library embedded by an application, not a standalone
// node with its own config file format).
package config

import "github.com/ulag-bulag-village/ipwis/envelope"

// ObjectStoreBackend selects the objectstore.Store implementation an
// embedder wires up. ipwis ships only BadgerBackend today; the enum
// exists so a future backend (spec.md §1 treats object storage as an
// external collaborator) has somewhere to register without an API break.
type ObjectStoreBackend string

const (
	BadgerBackend ObjectStoreBackend = "badger"
)

// Config is the kernel's full set of tunables. Every field has a sane
// zero-value-adjacent default applied by New; an embedder overrides only
// what it cares about via Option.
type Config struct {
	// Self is the kernel's own account: the guarantor every submitted task
	// must target (spec §4.10) and the signer of every resource id the
	// kernel hands back.
	Self envelope.Account

	// SandboxMemoryPages caps how much linear memory one guest instance may
	// grow to, in 64KiB wazero pages. Zero means "no cap beyond wazero's
	// own default module limit".
	SandboxMemoryPages uint32

	// GuardZoneBytes is headroom the host refuses to let a guest allocation
	// request shrink below before considering the guest's allocator
	// exhausted — a guest that reports success down to its last byte gives
	// the host no room to validate the next ExternData region it asks for.
	GuardZoneBytes uint32

	// MaxConcurrentTasks bounds the task manager's worker pool (spec §5).
	MaxConcurrentTasks int

	// ObjectStoreDir is the BadgerStore's data directory when Backend is
	// BadgerBackend.
	ObjectStoreDir string
	Backend        ObjectStoreBackend
}

const (
	defaultSandboxMemoryPages = 256 // 16MiB
	defaultGuardZoneBytes     = 64 << 10
	defaultMaxConcurrentTasks = 32
	defaultObjectStoreDir     = "./data/objects"
)

// Option mutates a Config under construction.
type Option func(*Config)

// WithSelf sets the kernel's own account.
func WithSelf(self envelope.Account) Option {
	return func(c *Config) { c.Self = self }
}

// WithSandboxMemoryPages overrides the per-guest memory page cap.
func WithSandboxMemoryPages(pages uint32) Option {
	return func(c *Config) { c.SandboxMemoryPages = pages }
}

// WithGuardZoneBytes overrides the allocator guard-zone size.
func WithGuardZoneBytes(n uint32) Option {
	return func(c *Config) { c.GuardZoneBytes = n }
}

// WithMaxConcurrentTasks overrides the task worker-pool size.
func WithMaxConcurrentTasks(n int) Option {
	return func(c *Config) { c.MaxConcurrentTasks = n }
}

// WithObjectStoreDir overrides the Badger data directory.
func WithObjectStoreDir(dir string) Option {
	return func(c *Config) { c.ObjectStoreDir = dir }
}

// New builds a Config with ipwis's defaults, then applies opts in order.
func New(opts ...Option) Config {
	c := Config{
		SandboxMemoryPages: defaultSandboxMemoryPages,
		GuardZoneBytes:     defaultGuardZoneBytes,
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		ObjectStoreDir:     defaultObjectStoreDir,
		Backend:            BadgerBackend,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
