package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bklv/p2p-share/pkg/monitor"
	"bklv/p2p-share/registry"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	registryHost        string
	registryPort        int
	registryAdvertise   bool
	registryInteractive bool
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Start the central registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc := cfg.Registry
		if cmd.Flags().Changed("host") {
			rc.Host = registryHost
		}
		if cmd.Flags().Changed("port") {
			rc.Port = registryPort
		}
		if cmd.Flags().Changed("advertise") {
			rc.Advertise = registryAdvertise
		}

		server := registry.NewServer(registry.Options{
			Addr:            fmt.Sprintf("%s:%d", rc.Host, rc.Port),
			SweepInterval:   rc.SweepInterval.Duration,
			InactiveTimeout: rc.InactiveTimeout.Duration,
			Advertise:       rc.Advertise,
		})
		if err := server.Start(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go monitor.Global.LogPeriodic(ctx, time.Minute)

		if !registryInteractive {
			<-ctx.Done()
			server.Stop()
			return nil
		}

		fmt.Println("P2P Registry Interactive Shell")
		fmt.Println("Type 'help' for commands.")
		prompt.New(
			func(in string) { registryExecutor(in, server) },
			registryCompleter,
			prompt.OptionPrefix("registry> "),
			prompt.OptionTitle("P2P Registry"),
		).Run()
		return nil
	},
}

func registryExecutor(in string, server *registry.Server) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping registry...")
		server.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(server.Status())
	case "hosts":
		hosts := server.Directory().Hosts()
		if len(hosts) == 0 {
			fmt.Println("No hosts registered.")
			return
		}
		for _, h := range hosts {
			fmt.Println("- " + h)
		}
	case "files":
		if len(blocks) < 2 {
			fmt.Println("Usage: files <hostname>")
			return
		}
		files, addr, err := server.Directory().Discover(blocks[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("%s at %s shares %d file(s)\n", blocks[1], addr, len(files))
		for _, name := range sortedKeys(files) {
			fmt.Printf("  %s (%d bytes)\n", name, files[name].Size)
		}
	case "sweep":
		evicted := server.SweepOnce()
		fmt.Printf("Evicted %d host(s)\n", len(evicted))
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status           - Show registry status")
		fmt.Println("  hosts            - List registered hosts")
		fmt.Println("  files <host>     - Show what a host shares")
		fmt.Println("  sweep            - Run the inactivity sweep now")
		fmt.Println("  exit             - Stop registry and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func registryCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show registry status and stats"},
		{Text: "hosts", Description: "List registered hosts"},
		{Text: "files", Description: "Show what a host shares"},
		{Text: "sweep", Description: "Evict inactive hosts now"},
		{Text: "exit", Description: "Exit the registry"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.Flags().StringVar(&registryHost, "host", "0.0.0.0", "Interface to listen on")
	registryCmd.Flags().IntVarP(&registryPort, "port", "p", 9000, "Port to listen on")
	registryCmd.Flags().BoolVar(&registryAdvertise, "advertise", false, "Announce the registry over mDNS")
	registryCmd.Flags().BoolVarP(&registryInteractive, "interactive", "i", false, "Start in interactive mode")
}
