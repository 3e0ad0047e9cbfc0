package main

import (
	goflag "flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/plan-systems/klog"
	flag "github.com/spf13/pflag"
)

func main() {

	configPath := flag.String("config", "~/.krypton/config.yml", "Path to the agent's yaml config file")
	dataDir := flag.String("data-dir", "", "Overrides the config's data directory")
	verbosity := flag.Int("verbosity", -1, "Overrides the config's log verbosity")
	pairWith := flag.String("pair", "", "Pair with a workstation: 'name,base64-public-key' from its QR payload")

	klog.InitFlags(nil)
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()

	agent, err := NewAgent(*configPath, *dataDir)
	if err != nil {
		klog.Fatalf("agent did not assemble: %v", err)
	}

	goflag.Set("logtostderr", "true")
	if *verbosity >= 0 {
		goflag.Set("v", strconv.Itoa(*verbosity))
	} else {
		goflag.Set("v", strconv.Itoa(agent.cfg.LogVerbosity))
	}

	if err = agent.Startup(); err != nil {
		agent.Fatalf("agent did not start: %v", err)
	}

	if *pairWith != "" {
		if err = agent.PairWorkstation(*pairWith); err != nil {
			agent.Fatalf("pairing failed: %v", err)
		}
	}

	agent.Infof(0, "to stop: kill -s SIGINT %d", os.Getpid())

	sigInbox := make(chan os.Signal, 1)
	signal.Notify(sigInbox, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigInbox
	signal.Stop(sigInbox)

	agent.Infof(0, "received %v, shutting down", sig)
	agent.Shutdown()
	klog.Flush()
}
