// Package config provides command-line and optional YAML configuration
// loading and validation for the file-processing engine.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Action names the action family selected on the command line.
type Action string

const (
	ActionCopy    Action = "copy"
	ActionVideo   Action = "video"
	ActionCommand Action = "command"
)

// Config is the fully resolved configuration for a single run: CLI flags
// overlaid on an optional YAML file, validated and defaulted.
type Config struct {
	Watch       string `yaml:"watch"`
	Destination string `yaml:"destination"`
	MaxDepth    int    `yaml:"max_depth"`

	Action          Action `yaml:"-"`
	CommandTemplate string `yaml:"command_template"`

	DeleteSourceOnSuccess bool   `yaml:"delete"`
	ExtensionOverride     string `yaml:"extension"`
	Quiet                 bool   `yaml:"quiet"`

	LedgerDSN      string `yaml:"ledger_dsn"`
	ControlAddr    string `yaml:"control_addr"`
	JWTPublicKey   string `yaml:"jwt_public_key"`
}

const (
	defaultMaxDepth    = -1
	defaultLedgerDSN   = "sqlite:///var/lib/fpe/ledger.db"
	defaultControlAddr = "127.0.0.1:9100"
)

// flagSpec mirrors the three mutually-exclusive action flags before
// Action is resolved, so Parse can detect "more than one" before
// committing to a value.
type flagSpec struct {
	watch       string
	destination string
	maxDepth    int
	copyFlag    bool
	videoFlag   bool
	commandFlag string
	commandSet  bool
	delete      bool
	extension   string
	quiet       bool
	help        bool
	ledgerDSN   string
	controlAddr string
	jwtPubKey   string
	configPath  string
}

// Parse parses args (typically os.Args[1:]) into a validated Config.
// If --help is given, Parse prints usage to fs's output and returns
// (nil, flag.ErrHelp); callers should exit 0 in that case.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("fpe", flag.ContinueOnError)

	var spec flagSpec
	fs.StringVar(&spec.watch, "watch", "", "directory to observe (required)")
	fs.StringVar(&spec.destination, "destination", "", "output root (required)")
	fs.IntVar(&spec.maxDepth, "maxdepth", defaultMaxDepth, "maximum recursion depth, -1 for unbounded")
	fs.BoolVar(&spec.copyFlag, "copy", false, "select the file-copy action")
	fs.BoolVar(&spec.videoFlag, "video", false, "select the video-conversion action")
	fs.Func("command", "select the generic-command action with the given template (%1%=source, %2%=destination)", func(v string) error {
		spec.commandFlag = v
		spec.commandSet = true
		return nil
	})
	fs.BoolVar(&spec.delete, "delete", false, "remove source on successful action")
	fs.StringVar(&spec.extension, "extension", "", "override default output extension for transcoding")
	fs.BoolVar(&spec.quiet, "quiet", false, "suppress non-error logging")
	fs.BoolVar(&spec.help, "help", false, "print usage and exit")
	fs.StringVar(&spec.ledgerDSN, "ledger-dsn", "", "audit ledger DSN (sqlite://... or postgres://...)")
	fs.StringVar(&spec.controlAddr, "control-addr", "", "listen address for the HTTP control/status API")
	fs.StringVar(&spec.jwtPubKey, "jwt-public-key", "", "PEM RSA public key; when set, /admin/* requires a valid RS256 bearer token")
	fs.StringVar(&spec.configPath, "config", "", "optional YAML file supplying defaults for the flags above")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if spec.help {
		fs.Usage()
		return nil, flag.ErrHelp
	}

	cfg := &Config{
		MaxDepth:    defaultMaxDepth,
		LedgerDSN:   defaultLedgerDSN,
		ControlAddr: defaultControlAddr,
	}

	if spec.configPath != "" {
		if err := loadYAML(spec.configPath, cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	applyFlagOverrides(cfg, fs, &spec)

	if err := resolveAction(cfg, &spec); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// loadYAML reads path and unmarshals it into cfg, which the caller has
// already seeded with defaults.
func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("cannot parse %q: %w", path, err)
	}
	return nil
}

// applyFlagOverrides copies explicitly-set flags onto cfg. Flags always
// win over a YAML file, per spec.md §4.3.
func applyFlagOverrides(cfg *Config, fs *flag.FlagSet, spec *flagSpec) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["watch"] {
		cfg.Watch = spec.watch
	}
	if set["destination"] {
		cfg.Destination = spec.destination
	}
	if set["maxdepth"] {
		cfg.MaxDepth = spec.maxDepth
	}
	if set["delete"] {
		cfg.DeleteSourceOnSuccess = spec.delete
	}
	if set["extension"] {
		cfg.ExtensionOverride = spec.extension
	}
	if set["quiet"] {
		cfg.Quiet = spec.quiet
	}
	if set["ledger-dsn"] {
		cfg.LedgerDSN = spec.ledgerDSN
	}
	if set["control-addr"] {
		cfg.ControlAddr = spec.controlAddr
	}
	if set["jwt-public-key"] {
		cfg.JWTPublicKey = spec.jwtPubKey
	}
}

// resolveAction applies the mutual-exclusion rule of spec.md §6: at most
// one of --copy/--video/--command may be given, and their absence
// defaults to copy (Open Question 1, resolved in DESIGN.md).
func resolveAction(cfg *Config, spec *flagSpec) error {
	chosen := 0
	if spec.copyFlag {
		chosen++
	}
	if spec.videoFlag {
		chosen++
	}
	if spec.commandSet {
		chosen++
	}
	if chosen > 1 {
		return errors.New("More than one task specified")
	}

	switch {
	case spec.videoFlag:
		cfg.Action = ActionVideo
	case spec.commandSet:
		cfg.Action = ActionCommand
		cfg.CommandTemplate = spec.commandFlag
	default:
		cfg.Action = ActionCopy
	}

	return nil
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Watch == "" {
		errs = append(errs, errors.New("--watch is required"))
	}
	if cfg.Destination == "" {
		errs = append(errs, errors.New("--destination is required"))
	}
	if cfg.MaxDepth < -1 {
		errs = append(errs, fmt.Errorf("--maxdepth must be >= -1, got %d", cfg.MaxDepth))
	}
	if cfg.Action == ActionCommand && cfg.CommandTemplate == "" {
		errs = append(errs, errors.New("--command requires a non-empty template"))
	}
	if cfg.LedgerDSN == "" {
		errs = append(errs, errors.New("ledger_dsn must not be empty"))
	}
	if cfg.ControlAddr == "" {
		errs = append(errs, errors.New("control_addr must not be empty"))
	}

	return errors.Join(errs...)
}
