// Package action defines the pluggable action interface invoked once per
// "added" logical event (spec.md §4.6), its shared configuration record,
// and the three concrete actions shipped with the engine: copy, run an
// external command, and transcode video.
package action

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/clockwork/fpe/internal/logging"
)

// Config is the shared, read-only configuration record passed verbatim to
// every action invocation (spec.md §3's "Task Runner Configuration" /
// §4.6's shared_config, and the CLI boundary record of spec.md §6).
// Actions must treat it as read-only: they report failure through their
// return value, never by mutating shared state.
type Config struct {
	// WatchRoot is the directory tree being monitored. Source paths
	// delivered to actions are always beneath WatchRoot.
	WatchRoot string
	// DestinationRoot is the output root actions write beneath.
	DestinationRoot string
	// CommandTemplate, when non-empty, is substituted with %1% (source
	// path) and %2% (destination path) and executed via a shell.
	CommandTemplate string
	// DeleteSourceOnSuccess removes the source file after a successful
	// action invocation.
	DeleteSourceOnSuccess bool
	// ExtensionOverride replaces the output extension for actions that
	// transform the file (e.g. video transcoding). Empty means use the
	// action's default.
	ExtensionOverride string
	// Quiet suppresses non-error logging from actions.
	Quiet bool
	// Logger is the sink actions use for info/error lines. Never nil once
	// a Config reaches an action — callers populate it at construction.
	Logger logging.Logger
}

// Func is the shape every pluggable action must conform to: given the
// absolute path of a file that has just finished arriving, and the shared
// configuration, perform the action and report success. Actions must not
// mutate the Watch Table or the Task Runner's state; all failures are
// reported through the boolean return value.
type Func func(path string, cfg *Config) bool

// destination computes the output path for source beneath cfg.DestinationRoot,
// preserving the path relative to cfg.WatchRoot, and applying
// cfg.ExtensionOverride if set.
func destination(source string, cfg *Config) (string, error) {
	rel, err := filepath.Rel(cfg.WatchRoot, source)
	if err != nil {
		return "", fmt.Errorf("action: cannot compute relative path of %q under %q: %w", source, cfg.WatchRoot, err)
	}

	dest := filepath.Join(cfg.DestinationRoot, rel)
	if cfg.ExtensionOverride != "" {
		ext := cfg.ExtensionOverride
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		dest = strings.TrimSuffix(dest, filepath.Ext(dest)) + ext
	}
	return dest, nil
}

// Copy copies path beneath cfg.DestinationRoot, creating intermediate
// directories as needed, and removes the source on success when
// cfg.DeleteSourceOnSuccess is set. Grounded on the single-responsibility,
// stdlib-only style of original_source/Actions/CopyFile.cpp.
func Copy(path string, cfg *Config) bool {
	dest, err := destination(path, cfg)
	if err != nil {
		cfg.Logger.Error("copy action: cannot compute destination", "path", path, "error", err)
		return false
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		cfg.Logger.Error("copy action: cannot create destination directory", "dest", dest, "error", err)
		return false
	}

	if err := copyFile(path, dest); err != nil {
		cfg.Logger.Error("copy action: copy failed", "path", path, "dest", dest, "error", err)
		return false
	}

	if !cfg.Quiet {
		cfg.Logger.Info("copy action: copied", "path", path, "dest", dest)
	}

	return finishOnSuccess(path, cfg)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dst)
}

// Command substitutes %1%/%2% in cfg.CommandTemplate with the source and
// computed destination paths and runs the result through a shell. A zero
// exit code is success. Grounded on original_source/Actions/RunCommand.cpp.
func Command(path string, cfg *Config) bool {
	dest, err := destination(path, cfg)
	if err != nil {
		cfg.Logger.Error("command action: cannot compute destination", "path", path, "error", err)
		return false
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		cfg.Logger.Error("command action: cannot create destination directory", "dest", dest, "error", err)
		return false
	}

	cmdline := substitutePlaceholders(cfg.CommandTemplate, path, dest)

	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		cfg.Logger.Error("command action: command failed", "path", path, "command", cmdline, "error", err)
		return false
	}

	if !cfg.Quiet {
		cfg.Logger.Info("command action: ran", "path", path, "command", cmdline)
	}

	return finishOnSuccess(path, cfg)
}

// defaultVideoTemplate invokes ffmpeg to transcode the source to the
// destination path, overwriting any existing output. Grounded on
// original_source/Actions/VideoConversion.cpp.
const defaultVideoTemplate = "ffmpeg -y -i %1% %2%"

// Video is Command specialized with a default transcoding template and a
// default ".mp4" output extension when cfg.ExtensionOverride is unset.
func Video(path string, cfg *Config) bool {
	effective := *cfg
	if effective.CommandTemplate == "" {
		effective.CommandTemplate = defaultVideoTemplate
	}
	if effective.ExtensionOverride == "" {
		effective.ExtensionOverride = "mp4"
	}
	return Command(path, &effective)
}

func substitutePlaceholders(template, source, dest string) string {
	r := strings.NewReplacer("%1%", source, "%2%", dest)
	return r.Replace(template)
}

func finishOnSuccess(path string, cfg *Config) bool {
	if cfg.DeleteSourceOnSuccess {
		if err := os.Remove(path); err != nil {
			cfg.Logger.Error("action: delete source on success failed", "path", path, "error", err)
			return false
		}
	}
	return true
}
