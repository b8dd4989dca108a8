package tsconfig

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainFile is the YAML-encoded alternative to repeating a full
// command line for a fixed pipeline, loaded with `-c chain.yaml`
// (spec.md's Configuration enrichment, grounded on
// RabbitLabs-DVB-HB_sample_server's config.go round-trip). Field names
// mirror the command-line surface's native units (milliseconds,
// megabytes, seconds) since that's the form an operator hand-edits;
// ParseArgs converts them into Options' Go-native types on load.
type ChainFile struct {
	Bitrate                int64    `yaml:"bitrate"`
	BitrateAdjustInterval  float64  `yaml:"bitrate_adjust_interval"`
	BufferSizeMB           float64  `yaml:"buffer_size_mb"`
	MaxInputPackets        int      `yaml:"max_input_packets"`
	MaxFlushedPackets      int      `yaml:"max_flushed_packets"`
	MaxOutputPackets       int      `yaml:"max_output_packets"`
	InitialInputPackets    int      `yaml:"initial_input_packets"`
	AddInputStuffingNull   int      `yaml:"add_input_stuffing_nullpkt"`
	AddInputStuffingIn     int      `yaml:"add_input_stuffing_inpkt"`
	AddStartStuffing       int      `yaml:"add_start_stuffing"`
	AddStopStuffing        int      `yaml:"add_stop_stuffing"`
	Realtime               string   `yaml:"realtime"`
	IgnoreJointTermination bool     `yaml:"ignore_joint_termination"`
	FinalWaitMs            int64    `yaml:"final_wait_ms"`
	ReceiveTimeoutMs       int64    `yaml:"receive_timeout_ms"`
	ControlPort            int      `yaml:"control_port"`
	ControlSources         []string `yaml:"control_source"`
	ControlReusePort       bool     `yaml:"control_reuse_port"`
	ControlTimeoutMs       int64    `yaml:"control_timeout_ms"`
	LogPluginIndex         bool     `yaml:"log_plugin_index"`

	Input      PluginSpec   `yaml:"input"`
	Processors []PluginSpec `yaml:"processors"`
	Output     PluginSpec   `yaml:"output"`
}

// LoadChainFile reads and parses a YAML chain file.
func LoadChainFile(path string) (*ChainFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tsconfig: reading chain file %q: %w", path, err)
	}
	var cf ChainFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("tsconfig: parsing chain file %q: %w", path, err)
	}
	return &cf, nil
}

// SaveChainFile writes opts back out as a chain file, e.g. to capture a
// chain for later regression runs with `tsp -c chain.yaml`.
func SaveChainFile(path string, opts *Options) error {
	cf := ChainFile{
		Bitrate:                opts.Bitrate,
		BitrateAdjustInterval:  opts.BitrateAdjustInterval.Seconds(),
		BufferSizeMB:           opts.BufferSizeMB,
		MaxInputPackets:        opts.MaxInputPackets,
		MaxFlushedPackets:      opts.MaxFlushedPackets,
		MaxOutputPackets:       opts.MaxOutputPackets,
		InitialInputPackets:    opts.InitialInputPackets,
		AddInputStuffingNull:   opts.AddInputStuffingNull,
		AddInputStuffingIn:     opts.AddInputStuffingIn,
		AddStartStuffing:       opts.AddStartStuffing,
		AddStopStuffing:        opts.AddStopStuffing,
		Realtime:               opts.Realtime,
		IgnoreJointTermination: opts.IgnoreJointTermination,
		FinalWaitMs:            opts.FinalWait.Milliseconds(),
		ReceiveTimeoutMs:       opts.ReceiveTimeout.Milliseconds(),
		ControlPort:            opts.ControlPort,
		ControlSources:         opts.ControlSources,
		ControlReusePort:       opts.ControlReusePort,
		ControlTimeoutMs:       opts.ControlTimeout.Milliseconds(),
		LogPluginIndex:         opts.LogPluginIndex,
		Input:                  opts.Input,
		Processors:             opts.Processors,
		Output:                 opts.Output,
	}
	out, err := yaml.Marshal(&cf)
	if err != nil {
		return fmt.Errorf("tsconfig: marshaling chain file: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}

// mergeChainFileDefaults fills in any Options field the command line
// left at its flag.FlagSet default from the chain file's value.
// --control-local has no merge entry: its YAML zero value (false) is
// indistinguishable from "not set in the file", so a chain file can
// only ever widen the allow-list via control_source, never flip
// control_local off; use the command-line flag for that.
func mergeChainFileDefaults(opts *Options, cf *ChainFile, fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["bitrate"] && cf.Bitrate != 0 {
		opts.Bitrate = cf.Bitrate
	}
	if !set["bitrate-adjust-interval"] && cf.BitrateAdjustInterval != 0 {
		opts.BitrateAdjustInterval = time.Duration(cf.BitrateAdjustInterval * float64(time.Second))
	}
	if !set["buffer-size-mb"] && cf.BufferSizeMB != 0 {
		opts.BufferSizeMB = cf.BufferSizeMB
	}
	if !set["max-input-packets"] && cf.MaxInputPackets != 0 {
		opts.MaxInputPackets = cf.MaxInputPackets
	}
	if !set["max-flushed-packets"] && cf.MaxFlushedPackets != 0 {
		opts.MaxFlushedPackets = cf.MaxFlushedPackets
	}
	if !set["max-output-packets"] && cf.MaxOutputPackets != 0 {
		opts.MaxOutputPackets = cf.MaxOutputPackets
	}
	if !set["initial-input-packets"] && cf.InitialInputPackets != 0 {
		opts.InitialInputPackets = cf.InitialInputPackets
	}
	if !set["add-input-stuffing-nullpkt"] && cf.AddInputStuffingNull != 0 {
		opts.AddInputStuffingNull = cf.AddInputStuffingNull
	}
	if !set["add-input-stuffing-inpkt"] && cf.AddInputStuffingIn != 0 {
		opts.AddInputStuffingIn = cf.AddInputStuffingIn
	}
	if !set["add-start-stuffing"] && cf.AddStartStuffing != 0 {
		opts.AddStartStuffing = cf.AddStartStuffing
	}
	if !set["add-stop-stuffing"] && cf.AddStopStuffing != 0 {
		opts.AddStopStuffing = cf.AddStopStuffing
	}
	if !set["realtime"] && cf.Realtime != "" {
		opts.Realtime = cf.Realtime
	}
	if !set["ignore-joint-termination"] && cf.IgnoreJointTermination {
		opts.IgnoreJointTermination = true
	}
	if !set["final-wait-ms"] && cf.FinalWaitMs != 0 {
		opts.FinalWait = time.Duration(cf.FinalWaitMs) * time.Millisecond
	}
	if !set["receive-timeout-ms"] && cf.ReceiveTimeoutMs != 0 {
		opts.ReceiveTimeout = time.Duration(cf.ReceiveTimeoutMs) * time.Millisecond
	}
	if !set["control-port"] && cf.ControlPort != 0 {
		opts.ControlPort = cf.ControlPort
	}
	if !set["control-source"] && len(cf.ControlSources) > 0 {
		opts.ControlSources = cf.ControlSources
	}
	if !set["control-reuse-port"] && cf.ControlReusePort {
		opts.ControlReusePort = true
	}
	if !set["control-timeout-ms"] && cf.ControlTimeoutMs != 0 {
		opts.ControlTimeout = time.Duration(cf.ControlTimeoutMs) * time.Millisecond
	}
	if !set["log-plugin-index"] && cf.LogPluginIndex {
		opts.LogPluginIndex = true
	}
}
