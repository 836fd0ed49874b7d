package evpn

import "time"

// Config is the process-wide EVPN configuration handed to the Engine at
// construction. After that it is only changed through the Engine's
// administrative calls.
type Config struct {
	// AdvertiseAllVNI gates all outbound route notifications. Disabling it
	// flushes remote state and withdraws every VNI.
	AdvertiseAllVNI bool

	// DefaultFloodMode is used when a VNI's first VTEP arrives without an
	// explicit mode and by SetFloodMode(0, ...) for all VNIs.
	DefaultFloodMode FloodMode

	// InactiveHold is how long an INACTIVE entry is retained before it is
	// garbage-collected.
	InactiveHold time.Duration

	// DAD configures duplicate address detection.
	DAD DADConfig

	// Dataplane configures the gateway retry policy.
	Dataplane RetryConfig

	// QueueSize is the capacity of the engine event queue.
	QueueSize int

	// NotifySize is the capacity of the outbound notification channel.
	NotifySize int
}

// DADConfig holds duplicate address detection parameters.
type DADConfig struct {
	// Enabled turns move counting on.
	Enabled bool

	// Window is the sliding window in which moves are counted.
	Window time.Duration

	// MaxMoves is the number of moves tolerated inside Window. One more
	// move marks the entry DUPLICATE.
	MaxMoves int

	// Freeze is how long a DUPLICATE entry stays frozen before automatic
	// recovery.
	Freeze time.Duration

	// FreezePermanent disables automatic recovery. Only an administrative
	// clear releases the entry.
	FreezePermanent bool
}

// RetryConfig bounds dataplane retries.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per request, including the
	// first one.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
}

// Default values used by DefaultConfig.
const (
	defaultInactiveHold   = 10 * time.Second
	defaultDADWindow      = 180 * time.Second
	defaultDADMaxMoves    = 5
	defaultDADFreeze      = 180 * time.Second
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultQueueSize      = 1024
	defaultNotifySize     = 1024
)

// DefaultConfig returns the engine defaults. DAD defaults mirror common
// EVPN implementations: five moves in 180 seconds, frozen for 180 seconds.
func DefaultConfig() Config {
	return Config{
		AdvertiseAllVNI:  true,
		DefaultFloodMode: FloodHeadEnd,
		InactiveHold:     defaultInactiveHold,
		DAD: DADConfig{
			Enabled:  true,
			Window:   defaultDADWindow,
			MaxMoves: defaultDADMaxMoves,
			Freeze:   defaultDADFreeze,
		},
		Dataplane: RetryConfig{
			MaxAttempts:    defaultMaxAttempts,
			InitialBackoff: defaultInitialBackoff,
			MaxBackoff:     defaultMaxBackoff,
		},
		QueueSize:  defaultQueueSize,
		NotifySize: defaultNotifySize,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultFloodMode == 0 {
		c.DefaultFloodMode = d.DefaultFloodMode
	}
	if c.InactiveHold <= 0 {
		c.InactiveHold = d.InactiveHold
	}
	if c.DAD.Window <= 0 {
		c.DAD.Window = d.DAD.Window
	}
	if c.DAD.MaxMoves <= 0 {
		c.DAD.MaxMoves = d.DAD.MaxMoves
	}
	if c.DAD.Freeze <= 0 {
		c.DAD.Freeze = d.DAD.Freeze
	}
	if c.Dataplane.MaxAttempts <= 0 {
		c.Dataplane.MaxAttempts = d.Dataplane.MaxAttempts
	}
	if c.Dataplane.InitialBackoff <= 0 {
		c.Dataplane.InitialBackoff = d.Dataplane.InitialBackoff
	}
	if c.Dataplane.MaxBackoff <= 0 {
		c.Dataplane.MaxBackoff = d.Dataplane.MaxBackoff
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.NotifySize <= 0 {
		c.NotifySize = d.NotifySize
	}
	return c
}
