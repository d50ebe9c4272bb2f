package transfer

import (
	"time"

	"github.com/BaSui01/rendezvous"
	"github.com/BaSui01/rendezvous/types"
)

// Config describes one logical transfer edge. The same values must be
// supplied to the Sender and the Receiver; a mismatch in SliceSize or Kind
// is a protocol violation the receiver detects, not a recoverable skew.
type Config struct {
	// SrcEndpoint identifies the producing side.
	SrcEndpoint string `yaml:"src_endpoint" json:"src_endpoint"`

	// SrcIncarnation distinguishes restarts of the producing side so a
	// reborn endpoint never pairs with a stale transfer.
	SrcIncarnation uint64 `yaml:"src_incarnation" json:"src_incarnation"`

	// DstEndpoint identifies the consuming side.
	DstEndpoint string `yaml:"dst_endpoint" json:"dst_endpoint"`

	// Channel names the logical edge between the endpoints.
	Channel string `yaml:"channel" json:"channel"`

	// Kind declares the element layout both sides agree on.
	Kind types.ElementKind `yaml:"kind" json:"kind"`

	// SliceSize caps the payload bytes of a single exchange. Values whose
	// total size fits one slice take the direct fast path.
	SliceSize int64 `yaml:"slice_size" json:"slice_size"`

	// Timeout bounds each phase receive. Zero waits indefinitely.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// ZeroCopy lets the sender deposit data slices that alias the caller's
	// buffers when the table supports it. The caller must not mutate a
	// sent value until the receiver completes.
	ZeroCopy bool `yaml:"zero_copy" json:"zero_copy"`

	// DeviceContext is forwarded as the Args of every phase exchange.
	DeviceContext map[string]string `yaml:"device_context" json:"device_context"`
}

// DefaultConfig returns sensible defaults. Endpoints and channel must
// still be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		Kind:      types.ElementFixed,
		SliceSize: 4 << 20,
		Timeout:   5 * time.Minute,
	}
}

// Validate checks the config for structural problems.
func (c *Config) Validate() error {
	if !rendezvous.ValidName(c.SrcEndpoint) {
		return types.Errorf(types.ErrInvalidArgument, "bad source endpoint %q", c.SrcEndpoint)
	}
	if !rendezvous.ValidName(c.DstEndpoint) {
		return types.Errorf(types.ErrInvalidArgument, "bad destination endpoint %q", c.DstEndpoint)
	}
	if !rendezvous.ValidName(c.Channel) {
		return types.Errorf(types.ErrInvalidArgument, "bad channel name %q", c.Channel)
	}
	if !c.Kind.Valid() {
		return types.Errorf(types.ErrInvalidArgument, "unknown element kind %q", c.Kind)
	}
	if c.SliceSize < 1 {
		return types.Errorf(types.ErrInvalidArgument, "slice size %d, want >= 1", c.SliceSize)
	}
	if c.Timeout < 0 {
		return types.NewError(types.ErrInvalidArgument, "negative timeout")
	}
	return nil
}

func (c *Config) args() rendezvous.Args {
	return rendezvous.Args{DeviceContext: c.DeviceContext}
}
