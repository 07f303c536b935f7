// Command bastionctl drives a running Bastion over its HTTP API.
//
// Usage:
//
//	bastionctl check roast user:42
//	bastionctl status roast user:42
//	bastionctl clear roast user:42 --history
//	bastionctl unblock --email victim@example.com --auth-type password
//	bastionctl invalidate
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Addr    string        `help:"Bastion base URL." default:"http://localhost:7866" env:"BASTION_ADDR"`
	Token   string        `help:"Admin bearer token." env:"ADMIN_TOKEN"`
	Timeout time.Duration `help:"Request timeout." default:"10s"`

	Check      CheckCmd      `cmd:"" help:"Check and count one request against a scope."`
	Status     StatusCmd     `cmd:"" help:"Show the window and block state of a scope key."`
	Clear      ClearCmd      `cmd:"" help:"Clear a scope key's window and block."`
	Scopes     ScopesCmd     `cmd:"" help:"List effective scopes and the block ladder."`
	AuthStatus AuthStatusCmd `cmd:"" name:"auth-status" help:"Show auth attempt counters and blocks."`
	Unblock    UnblockCmd    `cmd:"" help:"Lift auth blocks for an IP and/or email."`
	Invalidate InvalidateCmd `cmd:"" help:"Drop every cached setting."`
	Metrics    MetricsCmd    `cmd:"" help:"Show the auth limiter counters."`
}

// client issues JSON requests against the API.
type client struct {
	base  string
	token string
	http  *http.Client
	out   io.Writer
}

func (c *CLI) client(out io.Writer) *client {
	return &client{
		base:  strings.TrimRight(c.Addr, "/"),
		token: c.Token,
		http:  &http.Client{Timeout: c.Timeout},
		out:   out,
	}
}

// do sends body (if any) as JSON and pretty-prints the response.
// Any status outside 2xx, other than a 429 decision, is an error.
func (c *client) do(ctx context.Context, method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") != nil {
		pretty.Reset()
		pretty.Write(raw)
	}
	fmt.Fprintln(c.out, strings.TrimSpace(pretty.String()))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func scopePath(scope, key string) string {
	return "/admin/ratelimit/" + url.PathEscape(scope) + "/" + url.PathEscape(key)
}

// CheckCmd runs one engine decision.
type CheckCmd struct {
	Scope string `arg:"" help:"Scope name, e.g. roast or auth.password."`
	Key   string `arg:"" help:"Subject key, e.g. user:42 or an IP."`
}

func (c *CheckCmd) Run(cli *CLI, out io.Writer) error {
	return cli.client(out).do(context.Background(), http.MethodPost, "/v1/check",
		map[string]string{"scope": c.Scope, "key": c.Key})
}

// StatusCmd reads a key's state without counting.
type StatusCmd struct {
	Scope string `arg:""`
	Key   string `arg:""`
}

func (c *StatusCmd) Run(cli *CLI, out io.Writer) error {
	return cli.client(out).do(context.Background(), http.MethodGet, scopePath(c.Scope, c.Key), nil)
}

// ClearCmd resets a key.
type ClearCmd struct {
	Scope   string `arg:""`
	Key     string `arg:""`
	History bool   `help:"Also forget past offenses."`
}

func (c *ClearCmd) Run(cli *CLI, out io.Writer) error {
	path := scopePath(c.Scope, c.Key)
	if c.History {
		path += "?history=true"
	}
	return cli.client(out).do(context.Background(), http.MethodDelete, path, nil)
}

// ScopesCmd lists the scope table.
type ScopesCmd struct{}

func (c *ScopesCmd) Run(cli *CLI, out io.Writer) error {
	return cli.client(out).do(context.Background(), http.MethodGet, "/admin/scopes", nil)
}

// AuthFlags select auth limiter subjects. An empty auth type means all.
type AuthFlags struct {
	IP       string `name:"ip" help:"Client IP."`
	Email    string `help:"Account email or username."`
	AuthType string `name:"auth-type" help:"password, magic_link, oauth or password_reset."`
}

func (f AuthFlags) validate() error {
	if f.IP == "" && f.Email == "" {
		return fmt.Errorf("--ip or --email required")
	}
	return nil
}

// AuthStatusCmd shows auth limiter state.
type AuthStatusCmd struct {
	AuthFlags `embed:""`
}

func (c *AuthStatusCmd) Run(cli *CLI, out io.Writer) error {
	if err := c.validate(); err != nil {
		return err
	}
	q := url.Values{}
	for k, v := range map[string]string{"ip": c.IP, "email": c.Email, "authType": c.AuthType} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return cli.client(out).do(context.Background(), http.MethodGet, "/admin/auth/status?"+q.Encode(), nil)
}

// UnblockCmd lifts auth blocks and resets attempt counters.
type UnblockCmd struct {
	AuthFlags `embed:""`
}

func (c *UnblockCmd) Run(cli *CLI, out io.Writer) error {
	if err := c.validate(); err != nil {
		return err
	}
	return cli.client(out).do(context.Background(), http.MethodPost, "/admin/auth/unblock",
		map[string]string{"ip": c.IP, "email": c.Email, "authType": c.AuthType})
}

// InvalidateCmd drops the settings caches.
type InvalidateCmd struct{}

func (c *InvalidateCmd) Run(cli *CLI, out io.Writer) error {
	return cli.client(out).do(context.Background(), http.MethodPost, "/admin/settings/invalidate", nil)
}

// MetricsCmd prints the counter snapshot.
type MetricsCmd struct{}

func (c *MetricsCmd) Run(cli *CLI, out io.Writer) error {
	return cli.client(out).do(context.Background(), http.MethodGet, "/admin/metrics", nil)
}

// newParser builds the kong parser writing command output to out.
func newParser(cli *CLI, out io.Writer, opts ...kong.Option) (*kong.Kong, error) {
	opts = append([]kong.Option{
		kong.Name("bastionctl"),
		kong.Description("Bastion policy engine admin client"),
		kong.UsageOnError(),
		kong.BindTo(out, (*io.Writer)(nil)),
	}, opts...)
	return kong.New(cli, opts...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	parser.FatalIfErrorf(ctx.Run(&cli))
}
