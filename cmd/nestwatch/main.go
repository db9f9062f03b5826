package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/nestwatch/cmd/nestwatch/console"
	"github.com/temoto/nestwatch/cmd/nestwatch/keygen"
	"github.com/temoto/nestwatch/cmd/nestwatch/serve"
	"github.com/temoto/nestwatch/cmd/nestwatch/subcmd"
	"github.com/temoto/nestwatch/internal/config"
	"github.com/temoto/nestwatch/log2"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	serve.Mod,
	console.Mod,
	keygen.Mod,
}

func main() {
	flagset := flag.NewFlagSet("nestwatch", flag.ExitOnError)
	flagConfig := flagset.String("config", "nestwatch.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: nestwatch [-config=nestwatch.hcl] command [args]\n\nCommands:\n%s", subcmd.Usage(modules))
		flagset.PrintDefaults()
	}
	_ = flagset.Parse(os.Args[1:])

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		flagset.Usage()
		os.Exit(2)
	}

	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	var cfg *config.Config
	if mod.Config {
		fs, err := config.NewOsFullReader(".")
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		cfg = config.MustReadConfig(log, fs, *flagConfig)
		if !cfg.LogDebug {
			log.SetLevel(log2.LInfo)
		}
	}

	if err := mod.Main(context.Background(), log, cfg, flagset.Args()[1:]); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
