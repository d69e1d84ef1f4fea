package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrDirectoryNotFound = errors.New("extract directory not found")
)

// Command selects which checks LoadConfig applies.
type Command int

const (
	// Sweep downloads and extracts, so it needs an existing extract dir.
	Sweep Command = iota
	// List only inspects the folder.
	List
)

const (
	StoreIMAP = "imap"
	StoreMbox = "mbox"
)

// Config captures all command-line options of one run.
type Config struct {
	FolderPath         string
	ExtractPath        string
	Private            bool
	Store              string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPAuth           string
	UseTLS             bool
	InsecureSkipVerify bool
	PublicRoot         string
	MboxPublicRoot     string
	MboxPrivateRoot    string
	ArchivePatterns    []string
	JournalDir         string
	Timeout            time.Duration
	LogLevel           string
	LogDir             string
	Progress           bool
}

// Terminal hooks, replaced in tests.
var (
	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	readPassword    = func() (string, error) {
		fmt.Fprint(os.Stderr, "IMAP password: ")
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return string(pass), err
	}
)

// RegisterFlags attaches all CLI flags to the provided command. They are
// persistent so subcommands share them.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.StringP("folder-path", "p", "", "Slash-delimited path of the mail folder to sweep, e.g. \"Folder/sub/subsub\"")
	flags.StringP("extract-path", "x", "", "Existing directory receiving attachments and extracted archive entries")
	flags.Bool("private", false, "Resolve the folder path below the personal root instead of the public root")
	flags.String("store", StoreIMAP, "Mail store: imap or mbox")
	flags.String("imap-host", "", "IMAP server hostname (empty: discover via DNS SRV from the user's domain)")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username (falls back to IMAP_USER env var)")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then a terminal prompt)")
	flags.String("imap-auth", "login", "IMAP authentication: login or plain")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("public-root", "", "IMAP mailbox used as public root when the server announces no shared namespace")
	flags.String("mbox-public-root", "", "Directory holding the public mbox folder tree")
	flags.String("mbox-private-root", "", "Directory holding the personal mbox folder tree")
	flags.StringArray("archive-pattern", nil, "Regex matched against attachment file extensions to detect archives (default (?i)\\.zip$)")
	flags.String("journal-dir", "", "Directory for a JSONL journal of file actions (disabled when empty)")
	flags.Duration("timeout", 0, "Abort the run after this duration (0 disables)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files in addition to stdout")
	flags.Bool("progress", false, "Show a progress bar and summary")
	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command, command Command) (Config, error) {
	flags := cmd.Flags()

	var cfg Config
	var err error
	get := func(dst *string, name string) {
		if err == nil {
			*dst, err = flags.GetString(name)
		}
	}
	getBool := func(dst *bool, name string) {
		if err == nil {
			*dst, err = flags.GetBool(name)
		}
	}

	get(&cfg.FolderPath, "folder-path")
	get(&cfg.ExtractPath, "extract-path")
	getBool(&cfg.Private, "private")
	get(&cfg.Store, "store")
	get(&cfg.IMAPHost, "imap-host")
	get(&cfg.IMAPUser, "imap-user")
	get(&cfg.IMAPPass, "imap-pass")
	get(&cfg.IMAPAuth, "imap-auth")
	getBool(&cfg.UseTLS, "use-tls")
	getBool(&cfg.InsecureSkipVerify, "insecure-skip-verify")
	get(&cfg.PublicRoot, "public-root")
	get(&cfg.MboxPublicRoot, "mbox-public-root")
	get(&cfg.MboxPrivateRoot, "mbox-private-root")
	get(&cfg.JournalDir, "journal-dir")
	get(&cfg.LogLevel, "log-level")
	get(&cfg.LogDir, "log-dir")
	getBool(&cfg.Progress, "progress")
	if err != nil {
		return Config{}, err
	}
	if cfg.IMAPPort, err = flags.GetInt("imap-port"); err != nil {
		return Config{}, err
	}
	if cfg.ArchivePatterns, err = flags.GetStringArray("archive-pattern"); err != nil {
		return Config{}, err
	}
	if cfg.Timeout, err = flags.GetDuration("timeout"); err != nil {
		return Config{}, err
	}

	if cfg.IMAPUser == "" {
		cfg.IMAPUser = os.Getenv("IMAP_USER")
	}
	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.IMAPAuth = strings.ToLower(strings.TrimSpace(cfg.IMAPAuth))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.ExtractPath != "" {
		cfg.ExtractPath = filepath.Clean(cfg.ExtractPath)
	}

	if err := validateConfig(cfg, command); err != nil {
		return Config{}, err
	}

	if cfg.Store == StoreIMAP && cfg.IMAPPass == "" && stdinIsTerminal() {
		pass, err := readPassword()
		if err != nil {
			return Config{}, fmt.Errorf("read password: %w", err)
		}
		cfg.IMAPPass = pass
	}
	if cfg.Store == StoreIMAP && cfg.IMAPPass == "" {
		return Config{}, fmt.Errorf("%w: IMAP password must be provided via --imap-pass, IMAP_PASS env var or terminal prompt", ErrInvalidArguments)
	}

	return cfg, nil
}

func validateConfig(cfg Config, command Command) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidArguments, fmt.Sprintf(format, args...))
	}

	// "/" is an explicit selection of the root folder.
	if cfg.FolderPath == "" {
		return invalid("--folder-path is required")
	}
	if command == Sweep && cfg.ExtractPath == "" {
		return invalid("--extract-path is required")
	}

	switch cfg.Store {
	case StoreIMAP:
		if cfg.IMAPUser == "" {
			return invalid("--imap-user is required")
		}
		if cfg.IMAPHost == "" && !strings.Contains(cfg.IMAPUser, "@") {
			return invalid("--imap-host is required unless --imap-user is a mail address")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return invalid("--imap-port must be between 1 and 65535")
		}
		switch cfg.IMAPAuth {
		case "login", "plain":
		default:
			return invalid("invalid --imap-auth: %s", cfg.IMAPAuth)
		}
	case StoreMbox:
		if cfg.Private && cfg.MboxPrivateRoot == "" {
			return invalid("--mbox-private-root is required with --private")
		}
		if !cfg.Private && cfg.MboxPublicRoot == "" {
			return invalid("--mbox-public-root is required")
		}
	default:
		return invalid("invalid --store: %s", cfg.Store)
	}

	if cfg.Timeout < 0 {
		return invalid("--timeout must not be negative")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("invalid --log-level: %s", cfg.LogLevel)
	}

	if command == Sweep {
		info, err := os.Stat(cfg.ExtractPath)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrDirectoryNotFound, cfg.ExtractPath)
		}
	}

	return nil
}
