package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/minisocial/chatsync/internal/config"
	"github.com/minisocial/chatsync/internal/daemon"
	"github.com/minisocial/chatsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Identity.UserID == "" {
		fmt.Fprintf(os.Stderr, "error: no identity configured; set [identity] user_id in %s\n", profile.ConfigPath())
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Config: cfg}),
	)

	app.Run()
}
