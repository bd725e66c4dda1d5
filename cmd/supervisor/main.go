package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/replicate/go/logging"
	"github.com/replicate/go/must"
	"github.com/replicate/go/version"
	_ "go.uber.org/automaxprocs"

	"github.com/hemeroteca/olmocr-supervisor/internal/batch"
	"github.com/hemeroteca/olmocr-supervisor/internal/config"
	"github.com/hemeroteca/olmocr-supervisor/internal/supervisor"
	"github.com/hemeroteca/olmocr-supervisor/internal/vllm"
)

var logger = logging.New("olmocr-supervisor")

type Flags struct {
	ConfigPath           string        `ff:"long: config, nodefault, usage: YAML config file"`
	Model                string        `ff:"long: model, nodefault, usage: model served by vllm"`
	MaxModelLen          int           `ff:"long: max-model-len, nodefault, usage: max context length for vllm"`
	GPUMemoryUtilization float64       `ff:"long: gpu-memory-utilization, nodefault, usage: fraction of GPU memory vllm may use"`
	Port                 int           `ff:"long: port, nodefault, usage: vllm listening port"`
	WorkerCommand        string        `ff:"long: worker-command, nodefault, usage: batch worker command (space separated)"`
	MaxIterations        int           `ff:"long: max-iterations, nodefault, usage: safety limit on restart iterations"`
	IterationPause       time.Duration `ff:"long: iteration-pause, nodefault, usage: pause between iterations"`
}

// merge applies flag overrides on top of the loaded configuration. Unset
// flags leave the original batch deployment constants in place.
func (f *Flags) merge(cfg config.Config) config.Config {
	if f.Model != "" {
		cfg.Server.Model = f.Model
	}
	if f.MaxModelLen > 0 {
		cfg.Server.MaxModelLen = f.MaxModelLen
	}
	if f.GPUMemoryUtilization > 0 {
		cfg.Server.GPUMemoryUtilization = f.GPUMemoryUtilization
	}
	if f.Port > 0 {
		cfg.Server.Port = f.Port
	}
	if f.WorkerCommand != "" {
		cfg.Worker.Command = strings.Fields(f.WorkerCommand)
	}
	if f.MaxIterations > 0 {
		cfg.MaxIterations = f.MaxIterations
	}
	if f.IterationPause > 0 {
		cfg.IterationPause = f.IterationPause
	}
	return cfg
}

func main() {
	log := logger.Sugar()

	var f Flags
	flags := ff.NewFlagSet("olmocr-supervisor")
	must.Do(flags.AddStruct(&f))

	cmd := &ff.Command{
		Name:  "olmocr-supervisor",
		Usage: "olmocr-supervisor [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			cfg := config.Default()
			if f.ConfigPath != "" {
				c, err := config.Load(f.ConfigPath)
				if err != nil {
					return err
				}
				cfg = c
			}
			cfg = f.merge(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log.Infow("configuration",
				"model", cfg.Server.Model,
				"max-model-len", cfg.Server.MaxModelLen,
				"gpu-memory-utilization", cfg.Server.GPUMemoryUtilization,
				"port", cfg.Server.Port,
				"worker-command", cfg.Worker.Command,
				"max-iterations", cfg.MaxIterations,
				"iteration-pause", cfg.IterationPause,
			)

			newServer := func() supervisor.ServerManager {
				return vllm.New(cfg.Server)
			}
			sup := supervisor.New(cfg, newServer, batch.New(cfg.Worker), logger)
			return sup.Run(ctx)
		},
	}

	err := cmd.Parse(os.Args[1:])
	switch {
	case errors.Is(err, ff.ErrHelp):
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	case err != nil:
		log.Error(err)
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	}

	log.Infow("starting olmOCR batch supervisor", "version", version.Version())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		s := <-ch
		log.Infow("stopping olmOCR batch supervisor", "signal", s)
		cancel()
	}()

	if err := cmd.Run(ctx); err != nil {
		var exitErr *supervisor.ExitError
		if errors.As(err, &exitErr) {
			log.Errorw("run aborted", "reason", exitErr.Reason, "exit_code", exitErr.Code)
			os.Exit(exitErr.Code)
		}
		log.Error(err)
		os.Exit(1)
	}
	log.Info("run completed successfully")
}
