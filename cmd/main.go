// kvmux - keyboard/mouse/clipboard multiplexer
// One master host drives input on remote nodes over a shell transport.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"kvmux/internal/agent"
	"kvmux/internal/api"
	"kvmux/internal/autostart"
	"kvmux/internal/config"
	"kvmux/internal/master"
	"kvmux/internal/platform"
	"kvmux/internal/sched"
	"kvmux/internal/tray"
)

var version = "0.1.0"

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-h] CONFIGFILE\n", os.Args[0])
	flag.PrintDefaults()
}

func isTTY(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}

func main() {
	showVer := flag.Bool("version", false, "Show version")
	autoStart := flag.String("autostart", "", "Manage the login autostart entry: enable, disable, or status")
	flag.Usage = usage
	flag.Parse()

	if *showVer {
		fmt.Printf("kvmux version %s\n", version)
		return
	}

	args := flag.Args()

	if *autoStart != "" {
		runAutostart(*autoStart, args)
		return
	}

	switch len(args) {
	case 0:
		// Invoked with no argument over a pipe means we are the far end
		// of a master's transport; on a TTY it is just a user missing
		// the config argument.
		if isTTY(unix.Stdin) || isTTY(unix.Stdout) {
			usage()
			os.Exit(1)
		}
		runAgent()
	case 1:
		runMaster(args[0])
	default:
		log.Fatalf("excess arguments")
	}
}

func runAutostart(mode string, args []string) {
	switch mode {
	case "enable":
		if len(args) != 1 {
			log.Fatalf("autostart enable needs CONFIGFILE")
		}
		if err := autostart.Enable(args[0]); err != nil {
			log.Fatalf("%v", err)
		}
	case "disable":
		if err := autostart.Disable(); err != nil {
			log.Fatalf("%v", err)
		}
	case "status":
		if autostart.IsEnabled() {
			fmt.Println("enabled")
		} else {
			fmt.Println("disabled")
		}
	default:
		log.Fatalf("bad -autostart mode %q (want enable, disable, or status)", mode)
	}
}

func runAgent() {
	drv, err := platform.New()
	if err != nil {
		log.Fatalf("platform init failed: %v", err)
	}
	if err := agent.Run(drv); err != nil {
		log.Fatalf("%v", err)
	}
	os.Exit(0)
}

func runMaster(cfgPath string) {
	if err := config.CheckPermissions(cfgPath); err != nil {
		log.Fatalf("%v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	drv, err := platform.New()
	if err != nil {
		log.Fatalf("platform init failed: %v", err)
	}

	m, err := master.New(cfg, drv, sched.NewMonotonic())
	if err != nil {
		log.Fatalf("%v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		m.Quit()
	}()

	if cfg.StatusListen != "" {
		srv := api.NewServer(m)
		go func() {
			if err := srv.Start(cfg.StatusListen); err != nil {
				log.Printf("%v", err)
			}
		}()
	}

	// systray wants the main goroutine on some platforms, so with the
	// tray enabled the event loop moves to its own goroutine.
	if cfg.Tray {
		t := tray.New(m)
		errCh := make(chan error, 1)
		go func() {
			errCh <- m.Run()
			t.Stop()
		}()
		t.Run()
		if err := <-errCh; err != nil {
			log.Fatalf("%v", err)
		}
	} else if err := m.Run(); err != nil {
		log.Fatalf("%v", err)
	}
}
