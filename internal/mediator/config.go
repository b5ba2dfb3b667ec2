package mediator

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

// Config captures the mediator's environment assumptions (spec.md §6) and
// the bounded-retry policy spec.md §9 Open Question 4 asks implementers to
// add. Loaded from an optional TOML file over compiled-in defaults, the way
// the teacher's runtime configuration layers file values over defaults.
type Config struct {
	// InitialThreadLimit seeds call_count's cap before the first
	// GET_THREAD_COUNT round-trip latches the firmware-reported value.
	InitialThreadLimit uint32 `toml:"initial_thread_limit"`

	// MaxSHMBufferPages is loaded from the config file, but nothing reads
	// it: the per-VM cap shm.Build enforces is always msg.MaxSHMBufferPages.
	MaxSHMBufferPages uint64 `toml:"max_shm_buffer_pages"`

	// MaxRPCRestarts bounds the lost-RPC-cookie retry loop (spec.md §4.4,
	// §9 Open Question 4): firmware is re-invoked at most this many times,
	// and the next -ERESTART result after that fails the call instead of
	// looping forever against a firmware that never resolves the cookie.
	MaxRPCRestarts int `toml:"max_rpc_restarts"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		InitialThreadLimit: 0,
		MaxSHMBufferPages:  msg.MaxSHMBufferPages,
		MaxRPCRestarts:     16,
	}
}

// LoadConfig reads path as TOML over DefaultConfig(); a missing path is not
// an error, matching the teacher's "file is optional" configuration style.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding mediator config %q", path)
	}
	return cfg, nil
}

// Validate checks the environment precondition from spec.md §6: the host
// page size must be at least OPTEE_MSG_NONCONTIG_PAGE_SIZE.
func (c Config) Validate() error {
	if err := memory.CheckHostPageSize(); err != nil {
		return errors.Wrap(ErrPageSizeTooLarge, err.Error())
	}
	return nil
}
