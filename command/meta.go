package command

import (
	"flag"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/rosterlab/rosterd/kv"
	"github.com/rosterlab/rosterd/permcache"
	"github.com/rosterlab/rosterd/ratelimit"
	"github.com/rosterlab/rosterd/state"
	"github.com/rosterlab/rosterd/throttle"
)

// Meta carries the options and helpers nearly every command inherits.
type Meta struct {
	Ui cli.Ui

	// These are set by the command line flags.
	redisAddr string
	logLevel  string
}

// FlagSet returns a flag set with the general options registered.
func (m *Meta) FlagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.StringVar(&m.redisAddr, "redis", "", "")
	f.StringVar(&m.logLevel, "log-level", "info", "")
	return f
}

// AutocompleteFlags returns the predictions for the general options.
func (m *Meta) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-redis":     complete.PredictAnything,
		"-log-level": complete.PredictSet("trace", "debug", "info", "warn", "error"),
	}
}

// Logger builds the process logger from the general options.
func (m *Meta) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(m.logLevel),
	})
}

// KV returns the shared key-value store: Redis when -redis is given,
// otherwise the in-memory store with the native scripts installed.
func (m *Meta) KV() kv.Store {
	if m.redisAddr != "" {
		cfg := kv.DefaultRedisConfig()
		cfg.Addr = m.redisAddr
		return kv.NewRedis(cfg)
	}
	mem := kv.NewMem()
	ratelimit.RegisterScripts(mem)
	permcache.RegisterScripts(mem)
	throttle.RegisterScripts(mem)
	return mem
}

// StateStore builds the repository.
func (m *Meta) StateStore(logger hclog.Logger) (*state.StateStore, error) {
	return state.NewStateStore(logger)
}

func generalOptionsUsage() string {
	return `
  -redis=<addr>
    Address of the shared Redis store. When omitted the process runs
    against an in-memory store.

  -log-level=<level>
    Log verbosity: trace, debug, info, warn or error. Defaults to info.`
}
