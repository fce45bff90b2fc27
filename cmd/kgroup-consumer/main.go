// Command kgroup-consumer drives a kgroup.Consumer from the command line:
// point it at a topic, a group, and a zookeeper ensemble, and it joins the
// group, consumes whatever partitions it is assigned, and prints each
// record to stdout.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/twmb/kgroup/internal/klog"
	"github.com/twmb/kgroup/internal/kmetrics"
	"github.com/twmb/kgroup/pkg/kgroup"
)

type cliFlags struct {
	configFile       string
	zkConnect        []string
	autoCommit       bool
	autoOffsetReset  string
	resetOffsetStart bool
	verbose          bool
	metricsAddr      string
}

func main() {
	var flags cliFlags
	var topic, group string

	root := &cobra.Command{
		Use:   "kgroup-consumer",
		Short: "Join a ZooKeeper-coordinated Kafka consumer group and print records.",
		Long: `kgroup-consumer joins a legacy ZooKeeper-coordinated consumer group,
participates in the group's partition rebalance, and prints every record it
consumes to stdout.

Configuration may come from a toml file (--config), command-line flags, or
both; flags take precedence over file values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(topic, group, flags)
		},
	}

	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "path to a toml config file")
	root.PersistentFlags().StringVar(&topic, "topic", "", "topic to consume (required)")
	root.PersistentFlags().StringVar(&group, "group", "", "consumer group id (required)")
	root.PersistentFlags().StringArrayVar(&flags.zkConnect, "zookeeper", nil, "zookeeper ensemble host:port (repeatable)")
	root.PersistentFlags().BoolVar(&flags.autoCommit, "auto-commit", false, "enable periodic offset auto-commit")
	root.PersistentFlags().StringVar(&flags.autoOffsetReset, "auto-offset-reset", "", "earliest or latest")
	root.PersistentFlags().BoolVar(&flags.resetOffsetStart, "reset-offset-on-start", false, "discard committed offsets on the first rebalance")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug-level logging")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "if non-empty, serve Prometheus metrics on this host:port at /metrics")

	root.AddCommand(heldOffsetsCommand(&topic, &group, &flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) klog.Logger {
	level := klog.LevelInfo
	if verbose {
		level = klog.LevelDebug
	}
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zlog, err := zcfg.Build()
	if err != nil {
		return klog.Nop
	}
	return klog.NewZap(zlog.Sugar(), level)
}

func buildConsumer(topic, group string, flags cliFlags) (*kgroup.Consumer, *kmetrics.Metrics, error) {
	if topic == "" || group == "" {
		return nil, nil, fmt.Errorf("--topic and --group are required")
	}

	fc, err := loadFileConfig(flags.configFile)
	if err != nil {
		return nil, nil, err
	}
	if fc.Topic == "" {
		fc.Topic = topic
	}
	if fc.Group == "" {
		fc.Group = group
	}

	metrics := kmetrics.New()
	opts := append([]kgroup.Opt{kgroup.WithLogger(newLogger(flags.verbose)), kgroup.WithMetrics(metrics)}, fc.opts(flags)...)
	c, err := kgroup.New(topic, group, opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, metrics, nil
}

func runConsume(topic, group string, flags cliFlags) error {
	c, metrics, err := buildConsumer(topic, group, flags)
	if err != nil {
		return err
	}
	defer c.Stop()

	if flags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: flags.metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
		defer srv.Close()
	}

	fmt.Fprintf(os.Stderr, "%s: joined group, consuming\n", c.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sigCh
		cancel()
	}()

	for {
		msg, err := c.Consume(ctx, true)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "consume error: %v\n", err)
			time.Sleep(time.Second)
			continue
		}
		fmt.Printf("%s[%d]@%d %s\n", msg.Topic, msg.Partition, msg.Offset, msg.Value)
	}
}

func heldOffsetsCommand(topic, group *string, flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "held-offsets",
		Short: "Join the group briefly and print the partitions/offsets it was assigned.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := buildConsumer(*topic, *group, *flags)
			if err != nil {
				return err
			}
			defer c.Stop()

			for p, o := range c.HeldOffsets() {
				fmt.Printf("%d\t%d\n", p, o)
			}
			return nil
		},
	}
}
