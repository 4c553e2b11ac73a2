// Command sshtoolkit-demo is a minimal smoke-test harness exercising
// pkg/toolkit end to end: dial, run one command through the whoami module,
// shut down cleanly.
// It is not a general-purpose CLI (see spec Non-goals) — the host/user/key
// flags exist only to point the harness at a real box to drive by hand.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/integrii/flaggy"
	"github.com/samber/lo"

	"github.com/sshtoolkit/sshtoolkit/pkg/config"
	"github.com/sshtoolkit/sshtoolkit/pkg/toolkit"
	yaml "github.com/jesseduffield/yaml"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion

	host       = ""
	username   = ""
	keyPath    = ""
	command    = "whoami"
	configFlag = false
	debugging  = false
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf("%s\nCommit: %s\nOS: %s\nArch: %s", version, commit, runtime.GOOS, runtime.GOARCH)

	flaggy.SetName("sshtoolkit-demo")
	flaggy.SetDescription("Smoke-test harness for the sshtoolkit runtime")
	flaggy.Bool(&configFlag, "c", "config", "Print the current default config")
	flaggy.Bool(&debugging, "d", "debug", "Enable debug logging")
	flaggy.String(&host, "H", "host", "Target host name or address (user from -u, port read from config)")
	flaggy.String(&username, "u", "user", "SSH username")
	flaggy.String(&keyPath, "i", "key", "Path to a private key")
	flaggy.String(&command, "x", "command", "Command to run through the whoami module")
	flaggy.SetVersion(info)
	flaggy.Parse()

	if configFlag {
		var buf bytes.Buffer
		if err := yaml.NewEncoder(&buf).Encode(config.GetDefaultConfig()); err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(buf.String())
		os.Exit(0)
	}

	if host == "" {
		log.Fatal("missing -H/--host")
	}

	cfg, err := config.NewToolkitConfig("sshtoolkit-demo", version, commit, debugging)
	if err != nil {
		log.Fatal(err.Error())
	}
	cfg.UserConfig.SSH.Host = host
	cfg.UserConfig.SSH.Username = username
	cfg.UserConfig.SSH.Key = keyPath
	cfg.UserConfig.Normalize()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tk, err := toolkit.New(ctx, cfg, version, commit)
	if err != nil {
		log.Fatalf("failed to start toolkit: %v", err)
	}
	defer tk.Close(10 * time.Second)

	result, err := tk.Run(ctx, "whoami", command, nil, 0)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	fmt.Printf("result: %v\n", result)
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); ok {
		commit = revision.Value
	}
}
