package main

import (
	"flag"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cask/config"
	"cask/storage"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/dig"
)

func main() {
	envFile := flag.String("env", ".env", "file with CASK_* settings, ignored when missing")
	keys := flag.Int("keys", 10000, "number of distinct keys the load loop writes")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	container := dig.New()
	constructors := []interface{}{
		func() log.Logger { return logger },
		prometheus.NewRegistry,
		func() (config.Config, error) { return config.Load(*envFile) },
		openEngine,
	}

	for _, constructor := range constructors {
		if err := container.Provide(constructor); err != nil {
			level.Error(logger).Log("msg", "error wiring dependencies", "err", err)
			os.Exit(1)
		}
	}

	err := container.Invoke(func(e *storage.Engine) error {
		return run(logger, e, *keys)
	})
	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func openEngine(logger log.Logger, registry *prometheus.Registry, cfg config.Config) (*storage.Engine, error) {
	return storage.Open(logger, registry, cfg.DataDir, cfg.Engine)
}

// run overwrites a fixed key space and reads every write back until
// interrupted.
func run(logger log.Logger, e *storage.Engine, keys int) error {
	space := make([][]byte, keys)
	for i := range space {
		space[i] = []byte(uuid.NewString())
	}

	var done atomic.Bool
	wg := sync.WaitGroup{}

	wg.Add(1)

	go func() {
		defer wg.Done()

		ops := 0
		now := time.Now()

		for !done.Load() {
			key := space[ops%len(space)]
			value := []byte(uuid.NewString())

			if err := e.Put(key, value); err != nil {
				level.Error(logger).Log("msg", "put failed", "err", err)
			}

			if _, err := e.Get(key); err != nil {
				level.Error(logger).Log("msg", "get failed", "err", err)
			}

			if ops%len(space) == len(space)-1 {
				if err := e.Delete(space[0]); err != nil {
					level.Error(logger).Log("msg", "delete failed", "err", err)
				}
			}

			ops++
		}

		stats := e.Stats()
		logger.Log(
			"msg", "load finished",
			"since", time.Since(now),
			"ops", ops,
			"keys", stats.Keys,
			"segments", stats.Segments,
			"diskBytes", stats.DiskBytes,
			"liveBytes", stats.LiveBytes,
		)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	logger.Log("msg", "app started...")
	<-sigs

	done.Store(true)
	wg.Wait()

	logger.Log("msg", "exiting...")

	return e.Close()
}
