package config

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	zfs "github.com/vansante/go-zfsabi"
	"github.com/vansante/go-zfsabi/memory"
	"github.com/vansante/go-zfsabi/zfscli"
)

// NewLibrary creates the backend and the library described by the config. Operation counters are
// registered with reg when it is not nil.
func (c *Config) NewLibrary(logger *slog.Logger, reg prometheus.Registerer) (*zfs.Library, error) {
	modes, err := c.ABI.Resolve()
	if err != nil {
		return nil, err
	}

	var (
		backend zfs.Backend
		mounter zfs.MountController
	)
	switch c.Backend.Type {
	case BackendCLI:
		cli := zfscli.New(zfscli.Options{
			Runner: zfscli.NewRunner(c.Backend.Binary),
			Logger: logger.With("backend", BackendCLI),
		})
		backend, mounter = cli, cli
	case BackendMemory:
		mem := memory.New(memory.Options{
			Pools:  c.Backend.Pools,
			Logger: logger.With("backend", BackendMemory),
		})
		backend, mounter = mem, mem
	default:
		return nil, fmt.Errorf("unknown backend type %q", c.Backend.Type)
	}

	var metrics *zfs.Metrics
	if reg != nil {
		metrics = zfs.NewMetrics(reg)
	}

	return zfs.NewLibrary(backend, zfs.Options{
		ABI:             zfs.NewABI(modes),
		MountController: mounter,
		Logger:          logger,
		Metrics:         metrics,
	}), nil
}
