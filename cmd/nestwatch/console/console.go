// Operator console: authenticates to device, sends typed commands,
// prints replies and reports.
package console

import (
	"context"
	"flag"
	"net/url"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/nestwatch/cmd/nestwatch/subcmd"
	"github.com/temoto/nestwatch/helpers/cli"
	"github.com/temoto/nestwatch/internal/channel"
	"github.com/temoto/nestwatch/internal/config"
	"github.com/temoto/nestwatch/internal/control"
	"github.com/temoto/nestwatch/log2"
)

const modName = "console"

const usage = `syntax: one command per line
- PING, STATS, IR ON, IR OFF, GET IR STATE
- text without [TAG] prefix is sent as [CMD] text
- help     this message
`

var Mod = subcmd.Mod{Name: modName, Usage: "interactive operator client", Config: true, Main: Main}

func Main(ctx context.Context, log *log2.Log, cfg *config.Config, args []string) error {
	flagset := flag.NewFlagSet(modName, flag.ContinueOnError)
	flagAddr := flagset.String("addr", "", "server url, default derived from channel.listen")
	flagToken := flagset.String("token", "", "auth token, default is local address of connection")
	flagRetry := flagset.Duration("retry", time.Second, "dial retry delay, 0 disables retry")
	if err := flagset.Parse(args); err != nil {
		return errors.Annotate(err, "console flags")
	}
	addr := *flagAddr
	if addr == "" {
		addr = DialURL(cfg.ListenURL())
	}

	cipher, err := cfg.Cipher()
	if err != nil {
		return errors.Annotate(err, "channel key")
	}
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	c, err := channel.Dial(dialCtx, addr, channel.ClientOptions{
		Log:          log,
		Cipher:       cipher,
		LocalIP:      *flagToken,
		WriteTimeout: cfg.WriteTimeout(),
		ReadLimit:    cfg.Channel.ReadLimit,
		RetryDelay:   *flagRetry,
	})
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()
	log.Infof("connected %s", c.Conn())

	go printReports(log, c)
	cli.MainLoop(modName, newExecutor(ctx, log, c, cfg.AckTimeout()+cfg.WriteTimeout()), newCompleter())
	return nil
}

// DialURL turns listen address into address for local client,
// unspecified host becomes loopback.
func DialURL(listen string) string {
	u, err := url.Parse(listen)
	if err != nil {
		return listen
	}
	switch u.Hostname() {
	case "", "0.0.0.0":
		u.Host = "127.0.0.1:" + u.Port()
	case "::":
		u.Host = "[::1]:" + u.Port()
	}
	return u.String()
}

// Line maps console input to wire command, empty means nothing to send.
func Line(input string) string {
	input = strings.TrimSpace(input)
	if input == "" || strings.HasPrefix(input, "[") {
		return input
	}
	return control.CommandPrefix + input
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "PING", Description: "liveness check"},
		{Text: "STATS", Description: "device counters"},
		{Text: "IR ON", Description: "infrared LED on"},
		{Text: "IR OFF", Description: "infrared LED off"},
		{Text: "GET IR STATE"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.TextBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context, log *log2.Log, c *channel.Client, timeout time.Duration) func(string) {
	return func(input string) {
		if strings.TrimSpace(input) == "help" {
			log.Infof(usage)
			return
		}
		text := Line(input)
		if text == "" {
			return
		}
		tbegin := time.Now()
		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		reply, err := c.Command(cmdCtx, text)
		if err != nil {
			log.Errorf(errors.ErrorStack(err))
			return
		}
		log.Infof("%s duration=%v", reply, time.Since(tbegin))
	}
}

func printReports(log *log2.Log, c *channel.Client) {
	for r := range c.Reports() {
		log.Infof("< %s", r)
	}
	if err := c.Conn().Err(); errors.Cause(err) != channel.ErrClosing {
		log.Errorf("connection closed err=%v", err)
		os.Exit(1)
	}
}
