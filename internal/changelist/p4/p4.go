// Package p4 implements changelist.Source for Perforce.
//
// This implementation wraps the p4 command-line client using tagged JSON
// output (p4 -ztag -Mj) so every record arrives as one JSON object per line.
// Bulk operations pass their arguments on stdin (p4 -x -) to avoid command
// line length limits.
package p4

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mschirtzinger/p4sync/internal/changelist"
)

// Config holds the connection settings for a Perforce server.
type Config struct {
	// Bin is the p4 executable (default: "p4")
	Bin string

	// Port is the server address (P4PORT)
	Port string

	// User is the Perforce user (P4USER)
	User string

	// Password is used to obtain a login ticket (optional)
	Password string

	// Client is the workspace name (P4CLIENT, optional)
	Client string

	// Charset is the unicode server charset (P4CHARSET, optional)
	Charset string

	// Timeout bounds every command (0 = no per-call timeout)
	Timeout time.Duration
}

// Client is a Perforce changelist source.
//
// The p4 CLI is stateless per invocation, so a Client holds no socket. Close
// only marks the client unusable.
type Client struct {
	cfg    Config
	runner changelist.Runner
	closed bool
}

var _ changelist.Source = (*Client)(nil)

// New creates a Client without contacting the server.
// If runner is nil, commands run through os/exec.
func New(cfg Config, runner changelist.Runner) *Client {
	if cfg.Bin == "" {
		cfg.Bin = "p4"
	}
	if runner == nil {
		runner = &changelist.ExecRunner{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, runner: runner}
}

// Open creates a Client, verifies the server is reachable and logs in when a
// password is configured.
func Open(ctx context.Context, cfg Config, runner changelist.Runner) (*Client, error) {
	c := New(cfg, runner)

	if _, err := c.tagged(ctx, nil, "info"); err != nil {
		return nil, fmt.Errorf("failed to reach perforce server %s: %w", cfg.Port, err)
	}

	if cfg.Password != "" {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Connector returns a changelist.Connector that opens a new Client per call.
func Connector(cfg Config, runner changelist.Runner) changelist.Connector {
	return func(ctx context.Context) (changelist.Source, error) {
		return Open(ctx, cfg, runner)
	}
}

// Login obtains a ticket for the configured user, passing the password on stdin.
func (c *Client) Login(ctx context.Context) error {
	args := append(c.globalArgs(), "login")
	out, err := c.runner.Run(ctx, []byte(c.cfg.Password+"\n"), c.cfg.Bin, args...)
	if err != nil {
		return fmt.Errorf("failed to log in as %s: %w", c.cfg.User, classify(err, string(out)))
	}
	return nil
}

// ===================
// Change Discovery
// ===================

// Describe implements changelist.Source.
//
// All ids are described in one round trip. Ids the server does not know are
// skipped; the result is sorted ascending by id.
func (c *Client) Describe(ctx context.Context, ids ...int) ([]changelist.Change, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	stdin := make([]string, len(ids))
	for i, id := range ids {
		stdin[i] = strconv.Itoa(id)
	}

	records, err := c.taggedArgs(ctx, stdin, "describe", "-s")
	if err != nil {
		return nil, err
	}

	changes := make([]changelist.Change, 0, len(records))
	for _, rec := range records {
		change, err := parseChange(rec)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	sortChanges(changes)

	return changes, nil
}

// LatestSubmitted implements changelist.Source.
func (c *Client) LatestSubmitted(ctx context.Context) (int, error) {
	records, err := c.tagged(ctx, nil, "changes", "-m", "1", "-s", "submitted")
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	id, err := records[0].Int("change")
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FileStat implements changelist.Source.
//
// Without Paths the query covers the files submitted in the change
// (//...@=N); with Paths each path is resolved as of the change (path@N).
func (c *Client) FileStat(ctx context.Context, change int, opts changelist.FileStatOptions) ([]changelist.FileStat, error) {
	args := []string{"fstat", "-T", "depotFile,headRev,headAction,headChange,headType"}
	if filter := actionFilter(opts.ExcludeActions); filter != "" {
		args = append(args, "-F", filter)
	}

	var stdin []string
	if len(opts.Paths) == 0 {
		stdin = []string{fmt.Sprintf("//...@=%d", change)}
	} else {
		stdin = make([]string, len(opts.Paths))
		for i, p := range opts.Paths {
			stdin[i] = fmt.Sprintf("%s@%d", p, change)
		}
	}

	records, err := c.taggedArgs(ctx, stdin, args...)
	if err != nil {
		return nil, err
	}

	stats := make([]changelist.FileStat, 0, len(records))
	for _, rec := range records {
		stat, err := parseFileStat(rec)
		if err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// FileExists implements changelist.Source. Files deleted at head do not exist.
func (c *Client) FileExists(ctx context.Context, path string) (bool, error) {
	records, err := c.tagged(ctx, nil, "files", "-e", path)
	if err != nil {
		if changelist.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return len(records) > 0, nil
}

// Print implements changelist.Source.
func (c *Client) Print(ctx context.Context, path string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	args := append(c.globalArgs(), "print", "-q", path)
	out, err := c.runner.Run(ctx, nil, c.cfg.Bin, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to print %s: %w", path, classify(err, string(out)))
	}
	return out, nil
}

// ===================
// Counters
// ===================

// Counter implements changelist.Source.
func (c *Client) Counter(ctx context.Context, name string) (int, error) {
	records, err := c.tagged(ctx, nil, "counter", name)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	value := records[0].String("value")
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: counter %s has non-numeric value %q", changelist.ErrProtocol, name, value)
	}
	return n, nil
}

// SetCounter implements changelist.Source.
func (c *Client) SetCounter(ctx context.Context, name string, value int) error {
	_, err := c.tagged(ctx, nil, "counter", name, strconv.Itoa(value))
	return err
}

// Close implements changelist.Source.
func (c *Client) Close() error {
	c.closed = true
	return nil
}

// ===================
// Command plumbing
// ===================

func (c *Client) checkOpen() error {
	if c.closed {
		return fmt.Errorf("%w: client closed", changelist.ErrConnection)
	}
	return nil
}

// globalArgs returns the connection flags shared by every command.
func (c *Client) globalArgs() []string {
	var args []string
	if c.cfg.Port != "" {
		args = append(args, "-p", c.cfg.Port)
	}
	if c.cfg.User != "" {
		args = append(args, "-u", c.cfg.User)
	}
	if c.cfg.Client != "" {
		args = append(args, "-c", c.cfg.Client)
	}
	if c.cfg.Charset != "" {
		args = append(args, "-C", c.cfg.Charset)
	}
	return args
}

// tagged runs a command with -ztag -Mj and decodes the records.
func (c *Client) tagged(ctx context.Context, stdin []byte, args ...string) ([]record, error) {
	return c.run(ctx, stdin, false, args...)
}

// taggedArgs runs a command whose trailing arguments are passed on stdin.
// Arguments the server reports as missing are dropped from the result.
func (c *Client) taggedArgs(ctx context.Context, stdinArgs []string, args ...string) ([]record, error) {
	stdin := []byte(strings.Join(stdinArgs, "\n") + "\n")
	return c.run(ctx, stdin, true, append([]string{"-x", "-"}, args...)...)
}

// run executes p4 with tagged JSON output. When partial is true, not-found
// messages are tolerated and whatever records arrived are returned.
func (c *Client) run(ctx context.Context, stdin []byte, partial bool, args ...string) ([]record, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	full := append(c.globalArgs(), "-ztag", "-Mj")
	full = append(full, args...)
	name := commandName(args)

	out, runErr := c.runner.Run(ctx, stdin, c.cfg.Bin, full...)
	if errors.Is(runErr, changelist.ErrTimeout) || errors.Is(runErr, changelist.ErrNotAvailable) {
		return nil, fmt.Errorf("p4 %s: %w", name, runErr)
	}

	records, messages, parseErr := parseRecords(out)

	err := messagesError(messages)
	if err == nil && runErr != nil {
		err = classify(runErr, string(out))
	}
	if err == nil && parseErr != nil {
		err = parseErr
	}
	if err != nil {
		if changelist.IsNotFound(err) && (partial || len(records) > 0) {
			return records, nil
		}
		return nil, fmt.Errorf("p4 %s: %w", name, err)
	}

	return records, nil
}

// commandName returns the p4 command in args, skipping global flags.
func commandName(args []string) string {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-x":
			i++
		case !strings.HasPrefix(args[i], "-"):
			return args[i]
		}
	}
	return "?"
}

// actionFilter builds an fstat -F expression excluding the given head actions.
func actionFilter(actions []changelist.Action) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, "^headAction="+string(a))
	}
	return strings.Join(parts, " & ")
}
