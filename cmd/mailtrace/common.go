package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/tinytelemetry/mailtrace/internal/config"
)

var (
	styleHeader = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	styleHop    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// passwordFlags mirrors the original CLI's password plumbing: explicit
// values, interactive prompts, with MAILTRACE_* env vars applied at config
// load time.
type passwordFlags struct {
	loginPass      string
	sudoPass       string
	opensearchPass string
	askLogin       bool
	askSudo        bool
	askOpenSearch  bool
}

func (p *passwordFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&p.loginPass, "login-pass", "", "SSH login password")
	fs.StringVar(&p.sudoPass, "sudo-pass", "", "sudo password")
	fs.StringVar(&p.opensearchPass, "opensearch-pass", "", "OpenSearch password")
	fs.BoolVar(&p.askLogin, "ask-login-pass", false, "prompt for the SSH login password")
	fs.BoolVar(&p.askSudo, "ask-sudo-pass", false, "prompt for the sudo password")
	fs.BoolVar(&p.askOpenSearch, "ask-opensearch-pass", false, "prompt for the OpenSearch password")
}

// apply resolves prompts and merges passwords into the config. Flag values
// win over the config file; empty values leave the config untouched.
func (p *passwordFlags) apply(cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Method {
	case config.MethodSSH:
		login, err := promptPassword("Enter login password: ", p.askLogin, p.loginPass)
		if err != nil {
			return err
		}
		if login != "" {
			cfg.SSH.Password = login
		}
		if cfg.SSH.Password == "" && cfg.SSH.PrivateKey == "" {
			logger.Warn("no login password or private key; SSH connections will fail")
		}

		sudo, err := promptPassword("Enter sudo password: ", p.askSudo, p.sudoPass)
		if err != nil {
			return err
		}
		if sudo != "" {
			cfg.SSH.SudoPass = sudo
		}
		if cfg.SSH.Sudo && cfg.SSH.SudoPass == "" {
			logger.Warn("sudo enabled with empty sudo password")
		}
	case config.MethodOpenSearch:
		osPass, err := promptPassword("Enter opensearch password: ", p.askOpenSearch, p.opensearchPass)
		if err != nil {
			return err
		}
		if osPass != "" {
			cfg.OpenSearch.Password = osPass
		}
	}
	return nil
}

func promptPassword(prompt string, ask bool, provided string) (string, error) {
	if !ask {
		return provided, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pass), nil
}

// bootstrap loads the config and builds the logger every command shares.
func bootstrap(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := config.SlogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

// parseWindow turns --time and --time-range into the absolute query window
// [time - range, time + range]. Both must be given together.
func parseWindow(timeStr, timeRange string) (start, end time.Time, err error) {
	if timeStr == "" || timeRange == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--time and --time-range must be provided together")
	}
	center, err := time.Parse("2006-01-02 15:04:05", timeStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --time %q (want YYYY-MM-DD HH:MM:SS)", timeStr)
	}
	span, err := config.ParseTimeRange(timeRange)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return center.Add(-span), center.Add(span), nil
}
