package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
	"golang.org/x/sync/errgroup"
)

type SpawnOptions struct {
	// Executable defaults to the running binary.
	Executable string
	Args       []string
	Env        []string
	QueueSize  int
	KillGrace  time.Duration
	Logger     *zap.Logger
}

// Spawn starts one worker process. Its stderr is forwarded line by line into the
// parent's log with the worker index and pid attached.
func Spawn(index int, opts SpawnOptions) (*StreamConn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	executable := opts.Executable
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		executable = self
	}

	cmd := exec.Command(executable, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid

	workerLogger := logger.With(zap.Int("worker", index), zap.Int("pid", pid))
	workerLogger.Info("worker started")

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		w := &zapio.Writer{Log: workerLogger, Level: zap.InfoLevel}
		_, _ = io.Copy(w, stderr)
		_ = w.Close()
	}()

	return NewStreamConn(stdout, stdin, StreamOptions{
		PID: pid,
		Wait: func() error {
			<-stderrDone
			return cmd.Wait()
		},
		Kill:      cmd.Process.Kill,
		QueueSize: opts.QueueSize,
		KillGrace: opts.KillGrace,
		Logger:    logger,
	}), nil
}

// StartPool spawns n workers concurrently. On failure every worker that did
// start is closed again.
func StartPool(ctx context.Context, n int, opts SpawnOptions) ([]*StreamConn, error) {
	conns := make([]*StreamConn, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			conn, err := Spawn(i, opts)
			if err != nil {
				return fmt.Errorf("spawn worker %d: %w", i, err)
			}
			conns[i] = conn
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				_ = conn.Close()
			}
		}
		return nil, err
	}

	return conns, nil
}
