// Package tsconfig parses the TSP command-line surface (spec.md §6.1)
// and an optional YAML chain file describing the same pipeline for
// scripted/regression runs. Global command-line flags always win over
// a chain file's values; the chain file only fills in what the
// command line left unset.
package tsconfig

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/gotsp/tsp/internal/bitrate"
	"github.com/gotsp/tsp/internal/control"
	"github.com/gotsp/tsp/internal/executor"
	"github.com/gotsp/tsp/internal/plugin"
	"github.com/gotsp/tsp/internal/ring"
)

// PluginSpec names one plugin in the chain plus its own raw option
// tokens, which the core never interprets (spec.md §6.2).
type PluginSpec struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args"`
}

// Options is the fully parsed TSP invocation: global options plus the
// ordered plugin chain.
type Options struct {
	Bitrate                int64
	BitrateAdjustInterval  time.Duration
	BufferSizeMB           float64
	MaxInputPackets        int
	MaxFlushedPackets      int
	MaxOutputPackets       int
	InitialInputPackets    int
	AddInputStuffingNull   int
	AddInputStuffingIn     int
	AddStartStuffing       int
	AddStopStuffing        int
	Realtime               string // "auto" (default), "on", "off"
	IgnoreJointTermination bool
	FinalWait              time.Duration
	ReceiveTimeout         time.Duration

	ControlPort      int
	ControlLocal     bool
	ControlSources   []string
	ControlReusePort bool
	ControlTimeout   time.Duration

	LogPluginIndex bool

	ChainFilePath string

	Input      PluginSpec
	Processors []PluginSpec
	Output     PluginSpec
}

// controlSourceList collects a repeatable --control-source flag into a
// []string, the flag.Value way of handling repeated options.
type controlSourceList struct{ values *[]string }

func (s controlSourceList) String() string { return "" }
func (s controlSourceList) Set(v string) error {
	*s.values = append(*s.values, v)
	return nil
}

// ParseArgs parses a full TSP invocation: args is the process argument
// vector excluding the program name. Global options must appear before
// the first -I/-P/-O; any number of -P may follow in significant
// order, and at most one -I and one -O are permitted.
func ParseArgs(args []string) (*Options, error) {
	globalTokens, ch, err := splitChain(args)
	if err != nil {
		return nil, err
	}

	opts := &Options{
		BitrateAdjustInterval: bitrate.AdjustInterval,
		BufferSizeMB:          ring.DefaultSizeMB,
		Realtime:              "auto",
		ControlLocal:          true,
		ControlTimeout:        control.DefaultSessionTimeout,
	}

	fs := flag.NewFlagSet("tsp", flag.ContinueOnError)
	fs.Int64Var(&opts.Bitrate, "bitrate", 0, "fix the input bitrate instead of estimating it")
	adjustSeconds := fs.Float64("bitrate-adjust-interval", opts.BitrateAdjustInterval.Seconds(), "seconds between bitrate republications")
	fs.Float64Var(&opts.BufferSizeMB, "buffer-size-mb", opts.BufferSizeMB, "ring size in MiB")
	fs.IntVar(&opts.MaxInputPackets, "max-input-packets", 0, "batching cap for the input stage (0: regime default)")
	fs.IntVar(&opts.MaxFlushedPackets, "max-flushed-packets", 0, "batching cap for processor stages (0: regime default)")
	fs.IntVar(&opts.MaxOutputPackets, "max-output-packets", 0, "batching cap for the output stage (0: regime default)")
	fs.IntVar(&opts.InitialInputPackets, "initial-input-packets", 0, "bootstrap accumulation before the first downstream wake (0: regime default)")
	fs.IntVar(&opts.AddInputStuffingNull, "add-input-stuffing-nullpkt", 0, "nullpkt half of the add-input-stuffing ratio")
	fs.IntVar(&opts.AddInputStuffingIn, "add-input-stuffing-inpkt", 0, "inpkt half of the add-input-stuffing ratio")
	fs.IntVar(&opts.AddStartStuffing, "add-start-stuffing", 0, "synthetic null packets to emit before the first real packet")
	fs.IntVar(&opts.AddStopStuffing, "add-stop-stuffing", 0, "synthetic null packets to emit after the last real packet")
	fs.StringVar(&opts.Realtime, "realtime", opts.Realtime, "tuning regime: auto, on, or off")
	fs.BoolVar(&opts.IgnoreJointTermination, "ignore-joint-termination", false, "disable the joint-termination AND-gate")
	finalWaitMs := fs.Int64("final-wait-ms", 0, "post-input drain deadline in ms (0: forever)")
	receiveTimeoutMs := fs.Int64("receive-timeout-ms", 0, "per-input-call deadline in ms (0: none)")
	fs.IntVar(&opts.ControlPort, "control-port", 0, "control channel TCP port (0: disabled)")
	fs.BoolVar(&opts.ControlLocal, "control-local", true, "restrict the control channel to loopback")
	fs.Var(controlSourceList{&opts.ControlSources}, "control-source", "additional allowed control-channel source (repeatable)")
	fs.BoolVar(&opts.ControlReusePort, "control-reuse-port", false, "set SO_REUSEPORT on the control listener")
	controlTimeoutMs := fs.Int64("control-timeout-ms", opts.ControlTimeout.Milliseconds(), "control session idle timeout in ms")
	fs.BoolVar(&opts.LogPluginIndex, "log-plugin-index", false, "prefix log lines with the stage's position")
	fs.StringVar(&opts.ChainFilePath, "c", "", "YAML chain file describing the pipeline")

	if err := fs.Parse(globalTokens); err != nil {
		return nil, fmt.Errorf("tsconfig: %w", err)
	}
	opts.BitrateAdjustInterval = time.Duration(*adjustSeconds * float64(time.Second))
	opts.FinalWait = time.Duration(*finalWaitMs) * time.Millisecond
	opts.ReceiveTimeout = time.Duration(*receiveTimeoutMs) * time.Millisecond
	opts.ControlTimeout = time.Duration(*controlTimeoutMs) * time.Millisecond

	if opts.ChainFilePath != "" {
		cf, err := LoadChainFile(opts.ChainFilePath)
		if err != nil {
			return nil, err
		}
		mergeChainFileDefaults(opts, cf, fs)
		if ch.input.Name == "" && len(ch.processors) == 0 && ch.output.Name == "" {
			ch.input = cf.Input
			ch.processors = cf.Processors
			ch.output = cf.Output
		}
	}

	opts.Input = ch.input
	opts.Processors = ch.processors
	opts.Output = ch.output

	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

type chain struct {
	input      PluginSpec
	processors []PluginSpec
	output     PluginSpec
}

// splitChain separates the leading global-option tokens from the
// -I/-P/-O plugin chain, per spec.md §6.1's invocation form.
func splitChain(args []string) (global []string, c chain, err error) {
	i := 0
	for i < len(args) && !isChainFlag(args[i]) {
		global = append(global, args[i])
		i++
	}

	seenInput, seenOutput := false, false
	for i < len(args) {
		role := args[i]
		i++
		var name string
		if i < len(args) {
			name = args[i]
			i++
		}
		var pluginArgs []string
		for i < len(args) && !isChainFlag(args[i]) {
			pluginArgs = append(pluginArgs, args[i])
			i++
		}
		spec := PluginSpec{Name: name, Args: pluginArgs}
		switch role {
		case "-I":
			if seenInput {
				return nil, chain{}, fmt.Errorf("tsconfig: at most one -I input plugin is permitted")
			}
			seenInput = true
			c.input = spec
		case "-P":
			c.processors = append(c.processors, spec)
		case "-O":
			if seenOutput {
				return nil, chain{}, fmt.Errorf("tsconfig: at most one -O output plugin is permitted")
			}
			seenOutput = true
			c.output = spec
		}
	}
	return global, c, nil
}

func isChainFlag(tok string) bool {
	return tok == "-I" || tok == "-P" || tok == "-O"
}

// validate enforces the invariants ParseArgs can't express through
// flag.FlagSet alone: realtime tri-state spelling and option pairs
// that must be set together, which would otherwise only surface as
// a confusing runtime failure deep in the supervisor.
func (o *Options) validate() error {
	switch o.Realtime {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("tsconfig: invalid --realtime value %q (want auto, on, or off)", o.Realtime)
	}
	if (o.AddInputStuffingNull != 0) != (o.AddInputStuffingIn != 0) {
		return fmt.Errorf("tsconfig: --add-input-stuffing-nullpkt and --add-input-stuffing-inpkt must be set together")
	}
	return nil
}

// DefaultLimits resolves the regime-dependent executor.Limits for this
// invocation: realtime forces the real-time regime, off forces
// offline, and auto is resolved by the supervisor from plugin
// RealTimeAware hints (spec.md §4.8). Explicit --max-*-packets and
// --initial-input-packets overrides always win over the regime
// default.
func (o *Options) DefaultLimits(realtime bool, ringSlots int) executor.Limits {
	lim := executor.DefaultOfflineLimits(ringSlots)
	if realtime {
		lim = executor.DefaultRealTimeLimits(ringSlots)
	}
	if o.MaxInputPackets > 0 {
		lim.MaxInputPackets = o.MaxInputPackets
	}
	if o.MaxFlushedPackets > 0 {
		lim.MaxFlushedPackets = o.MaxFlushedPackets
	}
	if o.MaxOutputPackets > 0 {
		lim.MaxOutputPackets = o.MaxOutputPackets
	}
	if o.InitialInputPackets > 0 {
		lim.InitialInputPackets = o.InitialInputPackets
	}
	lim.ReceiveTimeout = o.ReceiveTimeout
	return lim
}

// ParsePluginOptions turns a plugin's raw `--key value` / `--key=value`
// argument tokens into the opaque bag the plugin contract passes to a
// Factory (spec.md §6.2); the core never looks inside this map itself.
func ParsePluginOptions(args []string) plugin.Options {
	opts := make(plugin.Options)
	for i := 0; i < len(args); i++ {
		tok := strings.TrimPrefix(args[i], "--")
		tok = strings.TrimPrefix(tok, "-")
		if eq := strings.IndexByte(tok, '='); eq >= 0 {
			opts[tok[:eq]] = tok[eq+1:]
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			opts[tok] = args[i+1]
			i++
			continue
		}
		opts[tok] = "true"
	}
	return opts
}
