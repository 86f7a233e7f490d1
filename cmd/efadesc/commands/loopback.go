package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/efa-go/efa"
	"github.com/rocketbitz/efa-go/efa/efasim"
	"github.com/rocketbitz/efa-go/internal/hostmem"
	"github.com/rocketbitz/efa-go/qp"
)

// LoopbackResult summarises a loopback run.
type LoopbackResult struct {
	Iterations  int
	Bytes       int
	Elapsed     time.Duration
	Sender      qp.Stats
	Receiver    qp.Stats
	LastSource  qp.Source
	SenderQPN   uint16
	ReceiverQPN uint16
}

// NewLoopbackCmd creates the loopback command
func NewLoopbackCmd() *cobra.Command {
	var (
		configPath  string
		iterations  int
		showMetrics bool
		showProfile bool
	)
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Exchange messages between two queue pairs on a simulated device",
		Long: `Open a sender and a receiver queue pair on the simulated device and
exchange messages through the submission, receive and completion rings.
Settings come from an optional YAML profile (--config).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := DefaultProfile()
			if configPath != "" {
				var err error
				if profile, err = LoadProfile(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("count") {
				profile.Iterations = iterations
			}
			if err := profile.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if showProfile {
				data, err := profile.Marshal()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s---\n", data)
			}

			logger, err := newLogger(profile.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			reg := prometheus.NewRegistry()
			res, err := RunLoopback(cmd.Context(), profile, logger, reg)
			if err != nil {
				return err
			}
			printLoopback(out, res)
			if showMetrics {
				return writeMetrics(out, reg)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML profile")
	flags.IntVarP(&iterations, "count", "n", 0, "override the profile iteration count")
	flags.BoolVar(&showMetrics, "metrics", false, "print Prometheus counters after the run")
	flags.BoolVar(&showProfile, "show-profile", false, "print the effective profile before the run")
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level = lvl
	}
	cfg.Encoding = "console"
	return cfg.Build()
}

// RunLoopback exchanges profile.Iterations messages between two queue pairs
// and verifies every payload.
func RunLoopback(ctx context.Context, profile Profile, logger *zap.Logger, reg prometheus.Registerer) (LoopbackResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := qp.NewPrometheusMetrics(qp.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return LoopbackResult{}, fmt.Errorf("metrics: %w", err)
	}

	pages, err := hostmem.DetectPageSizes()
	if err != nil {
		return LoopbackResult{}, err
	}

	fabric := efasim.NewFabric()
	senderDev, err := fabric.NewDevice(efasim.Options{PageSizes: pages, Logger: logger.Named("sender-device")})
	if err != nil {
		return LoopbackResult{}, err
	}
	defer func() { _ = senderDev.Close() }()
	receiverDev := senderDev
	if profile.CrossDevice {
		if receiverDev, err = fabric.NewDevice(efasim.Options{PageSizes: pages, Logger: logger.Named("receiver-device")}); err != nil {
			return LoopbackResult{}, err
		}
		defer func() { _ = receiverDev.Close() }()
	}

	open := func(dev *efasim.Device, name string) (*qp.QueuePair, error) {
		sugar := logger.Named(name).Sugar()
		return qp.Open(qp.Config{
			Provider:           dev,
			SendDepth:          profile.SendDepth,
			RecvDepth:          profile.RecvDepth,
			CompletionDepth:    profile.CompletionDepth,
			WideCompletions:    profile.WideCompletions,
			MaxRecvSegments:    profile.MaxRecvSegments,
			QKey:               profile.QKey,
			Timeout:            profile.Timeout,
			BufferSize:         profile.BufferSize,
			BufferPoolCapacity: profile.BufferPoolCapacity,
			PageSizes:          pages,
			PinRingMemory:      profile.PinRingMemory,
			Logger:             sugar,
			StructuredLogger:   sugar,
			Metrics:            metrics,
		})
	}
	sender, err := open(senderDev, "sender")
	if err != nil {
		return LoopbackResult{}, fmt.Errorf("open sender: %w", err)
	}
	defer func() { _ = sender.Close() }()
	receiver, err := open(receiverDev, "receiver")
	if err != nil {
		return LoopbackResult{}, fmt.Errorf("open receiver: %w", err)
	}
	defer func() { _ = receiver.Close() }()

	ah, err := senderDev.CreateAH(receiverDev.GID())
	if err != nil {
		return LoopbackResult{}, fmt.Errorf("create address handle: %w", err)
	}
	dest := qp.Destination{AH: ah, QPN: receiver.QPN(), QKey: profile.QKey}
	var opts []qp.SendOption
	if profile.Immediate != nil {
		opts = append(opts, qp.WithImmediate(*profile.Immediate))
	}

	res := LoopbackResult{SenderQPN: sender.QPN(), ReceiverQPN: receiver.QPN()}
	payload := make([]byte, profile.PayloadSize)
	recvBuf := make([]byte, profile.PayloadSize)
	start := time.Now()
	for i := 0; i < profile.Iterations; i++ {
		for j := range payload {
			payload[j] = byte(i + j)
		}
		future, err := receiver.ReceiveAsync(recvBuf)
		if err != nil {
			return res, fmt.Errorf("iteration %d: post receive: %w", i, err)
		}
		if err := sender.Send(ctx, dest, payload, opts...); err != nil {
			return res, fmt.Errorf("iteration %d: send: %w", i, err)
		}
		n, err := future.Await(ctx)
		if err != nil {
			return res, fmt.Errorf("iteration %d: receive: %w", i, err)
		}
		if !bytes.Equal(recvBuf[:n], payload) {
			return res, fmt.Errorf("iteration %d: payload mismatch (%d bytes received)", i, n)
		}
		if c, ok := future.Completion(); ok && profile.Immediate != nil && (!c.HasImm || c.Imm != *profile.Immediate) {
			return res, fmt.Errorf("iteration %d: immediate data lost", i)
		}
		res.Iterations++
		res.Bytes += n
		res.LastSource = future.Source()
	}
	res.Elapsed = time.Since(start)
	res.Sender = sender.Stats()
	res.Receiver = receiver.Stats()
	logger.Info("loopback finished",
		zap.Int("iterations", res.Iterations),
		zap.Int("bytes", res.Bytes),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func printLoopback(w io.Writer, res LoopbackResult) {
	fmt.Fprintf(w, "sender qpn=%d receiver qpn=%d\n", res.SenderQPN, res.ReceiverQPN)
	fmt.Fprintf(w, "iterations=%d bytes=%d elapsed=%s\n", res.Iterations, res.Bytes, res.Elapsed)
	src := res.LastSource
	if src.AH != efa.InvalidAH {
		fmt.Fprintf(w, "source ah=%d qpn=%d\n", src.AH, src.QPN)
	} else if src.HasGID {
		fmt.Fprintf(w, "source gid=%x qpn=%d\n", src.GID, src.QPN)
	} else {
		fmt.Fprintf(w, "source qpn=%d (no address)\n", src.QPN)
	}
	fmt.Fprintf(w, "sender stats: %+v\n", res.Sender)
	fmt.Fprintf(w, "receiver stats: %+v\n", res.Receiver)
}

func writeMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	mfs, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
