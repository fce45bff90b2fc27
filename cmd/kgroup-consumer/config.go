package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/twmb/kgroup/pkg/kconsume"
	"github.com/twmb/kgroup/pkg/kgroup"
)

// fileConfig mirrors spec.md §6's tunable set, loaded from a toml file
// named by --config and overridden by any flags the user passed
// explicitly.
type fileConfig struct {
	Topic string `toml:"topic"`
	Group string `toml:"group"`

	ZKConnect       []string `toml:"zookeeper_connect"`
	ZKConnTimeoutMs int64    `toml:"zookeeper_connection_timeout_ms"`

	AutoCommitEnable        bool   `toml:"auto_commit_enable"`
	AutoCommitIntervalMs    int64  `toml:"auto_commit_interval_ms"`
	OffsetsCommitRetries    int    `toml:"offsets_commit_max_retries"`
	OffsetsChannelBackoffMs int64  `toml:"offsets_channel_backoff_ms"`
	AutoOffsetReset         string `toml:"auto_offset_reset"`
	ConsumerTimeoutMs       int64  `toml:"consumer_timeout_ms"`

	RebalanceMaxRetries int   `toml:"rebalance_max_retries"`
	RebalanceBackoffMs  int64 `toml:"rebalance_backoff_ms"`
	LivenessIntervalMs  int64 `toml:"liveness_interval_ms"`

	ResetOffsetOnStart bool `toml:"reset_offset_on_start"`

	FetchMessageMaxBytes int `toml:"fetch_message_max_bytes"`
	NumConsumerFetchers  int `toml:"num_consumer_fetchers"`
	QueuedMaxMessages    int `toml:"queued_max_messages"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	if _, err := os.Stat(path); err != nil {
		return fc, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fc, fmt.Errorf("decoding config file %q: %w", path, err)
	}
	return fc, nil
}

// opts translates a fileConfig plus any command-line overrides into
// kgroup.Opts. Zero-valued fields are left at kgroup's own defaults.
func (fc fileConfig) opts(flags cliFlags) []kgroup.Opt {
	var opts []kgroup.Opt

	zkConnect := fc.ZKConnect
	if len(flags.zkConnect) > 0 {
		zkConnect = flags.zkConnect
	}
	if len(zkConnect) > 0 {
		opts = append(opts, kgroup.WithZKConnect(zkConnect...))
	}
	if fc.ZKConnTimeoutMs > 0 {
		opts = append(opts, kgroup.WithZKConnectionTimeout(time.Duration(fc.ZKConnTimeoutMs)*time.Millisecond))
	}

	if fc.AutoCommitEnable || flags.autoCommit {
		opts = append(opts, kgroup.WithAutoCommit(true, time.Duration(fc.AutoCommitIntervalMs)*time.Millisecond))
	}
	if fc.OffsetsCommitRetries > 0 || fc.OffsetsChannelBackoffMs > 0 {
		opts = append(opts, kgroup.WithOffsetsCommitRetries(fc.OffsetsCommitRetries, time.Duration(fc.OffsetsChannelBackoffMs)*time.Millisecond))
	}

	reset := fc.AutoOffsetReset
	if flags.autoOffsetReset != "" {
		reset = flags.autoOffsetReset
	}
	switch reset {
	case "latest":
		opts = append(opts, kgroup.WithAutoOffsetReset(kgroup.OffsetLatest))
	case "earliest", "":
		// kgroup's own default.
	default:
		opts = append(opts, kgroup.WithAutoOffsetReset(kgroup.OffsetEarliest))
	}

	if fc.ConsumerTimeoutMs != 0 {
		opts = append(opts, kgroup.WithConsumerTimeout(time.Duration(fc.ConsumerTimeoutMs)*time.Millisecond))
	}
	if fc.RebalanceMaxRetries > 0 || fc.RebalanceBackoffMs > 0 {
		opts = append(opts, kgroup.WithRebalanceRetries(fc.RebalanceMaxRetries, time.Duration(fc.RebalanceBackoffMs)*time.Millisecond))
	}
	if fc.LivenessIntervalMs > 0 {
		opts = append(opts, kgroup.WithLivenessInterval(time.Duration(fc.LivenessIntervalMs)*time.Millisecond))
	}
	if fc.ResetOffsetOnStart || flags.resetOffsetStart {
		opts = append(opts, kgroup.WithResetOffsetOnStart(true))
	}
	if fc.FetchMessageMaxBytes > 0 || fc.NumConsumerFetchers > 0 || fc.QueuedMaxMessages > 0 {
		inner := kconsume.DefaultConfig()
		if fc.FetchMessageMaxBytes > 0 {
			inner.FetchMessageMaxBytes = int32(fc.FetchMessageMaxBytes)
		}
		if fc.NumConsumerFetchers > 0 {
			inner.NumFetchers = fc.NumConsumerFetchers
		}
		if fc.QueuedMaxMessages > 0 {
			inner.QueuedMaxMessages = fc.QueuedMaxMessages
		}
		opts = append(opts, kgroup.WithInnerConfig(inner))
	}

	return opts
}
