package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl"
	"github.com/slackhq/ixl/config"
	"github.com/slackhq/ixl/sim"
	"github.com/slackhq/ixl/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	dev := sim.New(l, simConfig(c))

	ctrl, err := ixl.Main(c, *configTest, Build, l, dev)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if !*configTest {
		if err := ctrl.Start(); err != nil {
			util.LogWithContextIfNeeded("Failed to start the driver", err, l)
			ctrl.Stop()
			os.Exit(1)
		}
		ctrl.ShutdownBlock()
	}

	os.Exit(0)
}

// simConfig shapes the simulated function from the sim section.
func simConfig(c *config.C) sim.Config {
	cfg := sim.DefaultConfig()
	cfg.QueuePairs = c.GetInt("sim.queue_pairs", cfg.QueuePairs)
	cfg.Vectors = c.GetInt("sim.vectors", cfg.Vectors)
	cfg.TxContextSize = c.GetInt("sim.tx_context_size", cfg.TxContextSize)
	cfg.RxContextSize = c.GetInt("sim.rx_context_size", cfg.RxContextSize)
	cfg.AutoComplete = c.GetBool("sim.auto_complete", cfg.AutoComplete)
	cfg.Loopback = c.GetBool("sim.loopback", cfg.Loopback)
	cfg.MemoryLimit = c.GetInt("sim.memory_limit", cfg.MemoryLimit)
	return cfg
}
