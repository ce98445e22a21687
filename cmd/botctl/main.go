// Command botctl inspects and seeds the bot store of a tradeguard-bot
// deployment: list bots, page a ledger, create a bot from a JSON config and
// check that an exchange answers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"tradeguard-bot/internal/app"
	"tradeguard-bot/internal/config"
	"tradeguard-bot/internal/engine"
	"tradeguard-bot/internal/exchange"
	"tradeguard-bot/internal/logging"
	"tradeguard-bot/internal/strategy"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
)

const (
	defaultConfigPath = "internal/config/config.yaml"
	defaultEnvFile    = ".env"
	commandTimeout    = 30 * time.Second
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: botctl [-config path] <command> [flags]

commands:
  bots    -owner ID                          list an owner's bots
  ledger  -owner ID -bot ID [-after N] [-limit N]  page a bot's ledger
  create  -owner ID -file bot.json           store a new bot (idle)
  verify  -exchange NAME                     fetch the operator balance
`)
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	logCfg := cfg.Log
	logCfg.Level = "error"
	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()

	a, err := app.New(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := run(ctx, a, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		a.Close()
		fatal(err)
	}
}

func run(ctx context.Context, a *app.App, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	owner := fs.String("owner", "", "owner id")
	switch cmd {
	case "bots":
		if err := fs.Parse(args); err != nil {
			return err
		}
		views, err := a.Engine().ListBots(ctx, *owner)
		if err != nil {
			return err
		}
		renderBots(out, views)
	case "ledger":
		botID := fs.String("bot", "", "bot id")
		after := fs.Int64("after", 0, "return events with seq greater than this")
		limit := fs.Int("limit", engine.DefaultPageSize, "page size")
		if err := fs.Parse(args); err != nil {
			return err
		}
		page, err := a.Engine().GetLedger(ctx, *owner, *botID, *after, *limit)
		if err != nil {
			return err
		}
		renderLedger(out, page)
	case "create":
		file := fs.String("file", "", "bot config JSON")
		if err := fs.Parse(args); err != nil {
			return err
		}
		bot, err := readBotConfig(*file)
		if err != nil {
			return err
		}
		id, err := a.Engine().CreateBot(ctx, *owner, bot)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, id)
	case "verify":
		name := fs.String("exchange", "", "exchange name from config")
		if err := fs.Parse(args); err != nil {
			return err
		}
		bal, err := a.CheckExchange(ctx, *name)
		if err != nil {
			return err
		}
		renderBalance(out, *name, bal)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// readBotConfig starts from the product defaults so a file only needs the
// fields it changes.
func readBotConfig(path string) (strategy.BotConfig, error) {
	if path == "" {
		return strategy.BotConfig{}, errors.New("-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return strategy.BotConfig{}, err
	}
	cfg := strategy.Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return strategy.BotConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func renderBots(out io.Writer, views []engine.BotView) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Exchange", "Pair", "Mode", "Desired", "State", "Reason", "Side", "Qty", "Realized"})
	for _, v := range views {
		pos := v.CurrentPosition.Main
		t.AppendRow(table.Row{
			v.ID,
			v.Config.Exchange,
			v.Config.Pair.Symbol(),
			v.Config.Mode,
			v.Desired,
			v.RuntimeState.State,
			v.RuntimeState.Reason,
			pos.Side,
			pos.Qty.String(),
			v.CurrentPosition.NetRealized().String(),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "", "Bots", len(views)})
	t.Render()
}

func renderLedger(out io.Writer, page engine.LedgerPage) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Seq", "Time", "Kind", "Leg", "Purpose", "Level", "Side", "Qty", "Price", "Fee", "Reason"})
	for _, ev := range page.Events {
		t.AppendRow(table.Row{
			ev.Seq,
			ev.Time.Format(time.RFC3339),
			ev.Kind,
			ev.Leg,
			ev.Purpose,
			ev.Level,
			ev.Side,
			ev.Qty.String(),
			ev.Price.String(),
			ev.Fee.String(),
			ev.Reason,
		})
	}
	t.Render()
	if page.More {
		fmt.Fprintf(out, "more events: -after %d\n", page.NextSeq)
	}
}

func renderBalance(out io.Writer, name string, bal exchange.Balance) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Exchange", "Spot", "Futures", "Total", "Margin capacity"})
	t.AppendRow(table.Row{name, bal.Spot.String(), bal.Futures.String(), bal.Total.String(), bal.MarginCapacity.String()})
	t.Render()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "botctl: %v\n", err)
	os.Exit(1)
}
