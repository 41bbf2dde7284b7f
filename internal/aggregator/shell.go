package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/ssh"

	"github.com/tinytelemetry/mailtrace/internal/config"
	"github.com/tinytelemetry/mailtrace/internal/logparse"
	"github.com/tinytelemetry/mailtrace/internal/model"
)

const sshPort = 22

// Shell reads mail logs off remote hosts over SSH. Keyword filtering runs
// host-side (grep fixed-string), window filtering client-side after parsing.
// Each Query dials one connection and releases it before returning.
type Shell struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewShell creates a remote-shell aggregator. No connection is made until
// the first Query.
func NewShell(cfg *config.Config, logger *slog.Logger) *Shell {
	return &Shell{cfg: cfg, logger: logger}
}

func (s *Shell) Query(ctx context.Context, host string, q model.LogQuery) ([]model.LogRecord, error) {
	hc := s.cfg.HostConfig(host)
	if len(hc.LogFiles) == 0 {
		return nil, &Error{Host: host, Err: errors.New("no log_files configured")}
	}

	parser, err := logparse.New(hc.LogParser, logparse.Options{
		Location:  time.UTC,
		Reference: q.End,
	})
	if err != nil {
		return nil, &Error{Host: host, Err: err}
	}

	client, err := s.dial(ctx, host)
	if err != nil {
		return nil, &Error{Host: host, Err: err}
	}
	defer client.Close()

	var (
		records []model.LogRecord
		dropped int
		found   int
	)
	for _, path := range hc.LogFiles {
		exists, err := s.fileExists(ctx, client, path)
		if err != nil {
			return nil, &Error{Host: host, Err: err}
		}
		if !exists {
			s.logger.Warn("log file not found", "host", host, "path", path)
			continue
		}
		found++

		raw, err := s.readFile(ctx, client, path, hc, q)
		if err != nil {
			return nil, &Error{Host: host, Err: err}
		}
		for _, line := range strings.Split(string(raw), "\n") {
			if line == "" {
				continue
			}
			record, err := parser.Parse(line)
			if err != nil {
				dropped++
				continue
			}
			records = append(records, record)
		}
	}

	if found == 0 {
		s.logger.Warn("none of the configured log files were found", "host", host)
	}
	if dropped > 0 {
		s.logger.Debug("dropped malformed lines", "host", host, "count", dropped)
	}
	return normalize(records, q), nil
}

func (s *Shell) Close() error { return nil }

// dial opens the SSH connection under the context deadline. Password and
// private-key auth are both offered when configured.
func (s *Shell) dial(ctx context.Context, host string) (*ssh.Client, error) {
	sc := s.cfg.SSH
	var auth []ssh.AuthMethod
	if sc.PrivateKey != "" {
		key, err := os.ReadFile(sc.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if sc.Password != "" {
		auth = append(auth, ssh.Password(sc.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: no password or private key configured", ErrAuth)
	}

	timeout := time.Duration(sc.Timeout) * time.Second
	clientConfig := &ssh.ClientConfig{
		User:            sc.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(s.cfg.Qualify(host), strconv.Itoa(sshPort))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (s *Shell) fileExists(ctx context.Context, client *ssh.Client, path string) (bool, error) {
	out, _, err := s.run(ctx, client, "stat "+shellQuote(path))
	if err != nil {
		// stat exits non-zero for a missing file; only transport errors
		// are fatal here.
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return len(out) > 0, nil
}

// readFile fetches one log file's candidate lines. Plain files are filtered
// host-side; rotated .gz files come back raw and are decompressed and
// filtered client-side.
func (s *Shell) readFile(ctx context.Context, client *ssh.Client, path string, hc config.HostConfig, q model.LogQuery) ([]byte, error) {
	if strings.HasSuffix(path, ".gz") {
		raw, stderr, err := s.run(ctx, client, "cat "+shellQuote(path))
		if err != nil {
			return nil, commandError(err, stderr)
		}
		return gunzip(raw)
	}

	cmd := s.composeReadCommand(path, hc, q)
	out, stderr, err := s.run(ctx, client, cmd)
	if err != nil {
		// grep exits 1 on no match; that is an empty result, not a failure.
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitStatus() == 1 && len(stderr) == 0 {
			return nil, nil
		}
		return nil, commandError(err, stderr)
	}
	return out, nil
}

// composeReadCommand builds the host-side pipeline: an awk prefilter on the
// raw timestamp prefix when the host declares its time format, then a
// fixed-string grep per keyword set.
func (s *Shell) composeReadCommand(path string, hc config.HostConfig, q model.LogQuery) string {
	read := "cat " + shellQuote(path)
	if hc.TimeFormat != "" && !q.Start.IsZero() && !q.End.IsZero() {
		start := q.Start.Format(hc.TimeFormat)
		end := q.End.Format(hc.TimeFormat)
		// A line stamped in the end second sorts after the bare end bound,
		// so lines that begin with the bound are kept as well.
		awk := fmt.Sprintf(`{if ($0 >= "%s" && $0 <= "%s") { print $0 } else if (index($0, "%s") == 1) { print $0 } }`, start, end, end)
		read = fmt.Sprintf("awk '%s' %s", awk, shellQuote(path))
	}
	if len(q.Keywords) == 0 {
		return read
	}
	grep := "grep -F"
	for _, k := range q.Keywords {
		grep += " -e " + shellQuote(k)
	}
	return read + " | " + grep
}

// run executes one command in its own session. Sudo escalation wraps the
// command and feeds the sudo password on stdin.
func (s *Shell) run(ctx context.Context, client *ssh.Client, cmd string) (stdout, stderr []byte, err error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	if s.cfg.SSH.Sudo {
		cmd = "sudo -S -p '' " + cmd
		session.Stdin = strings.NewReader(s.cfg.SSH.SudoPass + "\n")
	}

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return nil, nil, ctx.Err()
	case err = <-done:
		return outBuf.Bytes(), errBuf.Bytes(), err
	}
}

func commandError(err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if strings.Contains(strings.ToLower(msg), "permission denied") ||
		strings.Contains(strings.ToLower(msg), "incorrect password") {
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	}
	if msg != "" {
		return fmt.Errorf("remote command: %v: %s", err, msg)
	}
	return fmt.Errorf("remote command: %w", err)
}

func gunzip(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return out, nil
}

// shellQuote single-quotes an argument for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
