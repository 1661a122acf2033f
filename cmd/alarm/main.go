package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ccfos/alarmflow/alarm"
	"github.com/ccfos/alarmflow/pkg/osx"
	"github.com/ccfos/alarmflow/pkg/version"

	"github.com/toolkits/pkg/runner"
)

var (
	showVersion = flag.Bool("version", false, "Show version.")
	configFile  = flag.String("config", osx.GetEnv("ALARM_CONFIG", "etc/alarm.toml"), "Specify configuration file.(env:ALARM_CONFIG)")
	cryptoKey   = flag.String("crypto-key", osx.GetEnv("ALARM_CRYPTO_KEY", ""), "Specify the secret key for configuration file field encryption.(env:ALARM_CRYPTO_KEY)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		os.Exit(0)
	}

	printEnv()
	os.Exit(run())
}

// run blocks until a stop signal arrives and returns the exit code.
func run() int {
	cleanFunc, err := alarm.Initialize(*configFile, *cryptoKey)
	if err != nil {
		log.Println("failed to initialize:", err)
		return 1
	}
	defer func() {
		cleanFunc()
		fmt.Println("process exited")
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	for sig := range sc {
		fmt.Println("received signal:", sig.String())
		if sig == syscall.SIGHUP {
			// strategies, shields and assign rules resync on their own, the config file is read once
			continue
		}
		return 0
	}
	return 1
}

func printEnv() {
	runner.Init()
	fmt.Println("alarm.version:", version.Version)
	fmt.Println("alarm.config:", *configFile)
	fmt.Println("runner.cwd:", runner.Cwd)
	fmt.Println("runner.hostname:", runner.Hostname)
	fmt.Println("runner.fd_limits:", runner.FdLimits())
}
