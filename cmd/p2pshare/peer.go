package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bklv/p2p-share/peer"
	"bklv/p2p-share/pkg/dedup"
	"bklv/p2p-share/pkg/discovery"
	"bklv/p2p-share/pkg/heartbeat"
	"bklv/p2p-share/pkg/logger"
	"bklv/p2p-share/pkg/monitor"

	"github.com/c-bata/go-prompt"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	peerName        string
	peerDisplayName string
	peerPort        int
	peerRegistry    string
	peerRepo        string
	peerDiscover    bool
	peerPublish     []string
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		pc := cfg.Peer
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if peerName == "" {
			h, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("no --name given and no system hostname: %w", err)
			}
			peerName = h
		}
		if cmd.Flags().Changed("registry") {
			pc.RegistryAddr = peerRegistry
		}
		if peerDiscover {
			addr, err := findRegistry(ctx)
			if err != nil {
				return err
			}
			pc.RegistryAddr = addr
		}

		port := peerPort
		if port == 0 {
			p, err := freePort(pc.PortMin, pc.PortMax)
			if err != nil {
				return err
			}
			port = p
		}
		repo := peerRepo
		if repo == "" {
			repo = filepath.Join(pc.RepoBase, peerName)
		}
		stateDB := pc.StateDB
		if stateDB == "" {
			stateDB = filepath.Join(repo, ".state.db")
		}

		node, err := peer.NewNode(peer.Options{
			Hostname:     peerName,
			DisplayName:  peerDisplayName,
			ListenAddr:   fmt.Sprintf("0.0.0.0:%d", port),
			RegistryAddr: pc.RegistryAddr,
			RepoDir:      repo,
			StateDB:      stateDB,
			Heartbeat: heartbeat.Intervals{
				Idle:      pc.IdleInterval.Duration,
				Active:    pc.ActiveInterval.Duration,
				Busy:      pc.BusyInterval.Duration,
				IdleAfter: pc.IdleThreshold.Duration,
			},
			DialTimeout: pc.DialTimeout.Duration,
		})
		if err != nil {
			return err
		}
		if err := node.Start(ctx); err != nil {
			node.Close()
			return err
		}
		defer node.Close()
		go monitor.Global.LogPeriodic(ctx, time.Minute)

		for _, path := range peerPublish {
			if _, err := node.Publish(path, "", false); err != nil {
				logger.Sugar.Errorf("Failed to publish %s: %v", path, err)
			}
		}

		if !peerInteractive {
			<-ctx.Done()
			return nil
		}

		fmt.Printf("P2P Peer %s Interactive Shell (serving on %s)\n", peerName, node.Addr())
		fmt.Println("Type 'help' for commands.")
		prompt.New(
			func(in string) { peerExecutor(ctx, in, node) },
			peerCompleter,
			prompt.OptionPrefix(peerName+"> "),
			prompt.OptionTitle("P2P Peer"),
		).Run()
		return nil
	},
}

func findRegistry(ctx context.Context) (string, error) {
	r, err := discovery.NewResolver()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addr, err := r.FindRegistry(ctx)
	if err != nil {
		return "", fmt.Errorf("registry discovery failed: %w", err)
	}
	logger.Sugar.Infof("Discovered registry at %s", addr)
	return addr, nil
}

// freePort returns the first port in [lo, hi] that can be bound.
func freePort(lo, hi int) (int, error) {
	for p := lo; p <= hi; p++ {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(p))
		if err != nil {
			continue
		}
		ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", lo, hi)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type fetchArgs struct {
	name string
	opts peer.FetchOptions
}

// parseFetchArgs reads "fetch <name> [save_path] [--host h] [--sha256 x]".
func parseFetchArgs(args []string) (fetchArgs, error) {
	var fa fetchArgs
	for i := 0; i < len(args); i++ {
		switch a := args[i]; a {
		case "--host", "--sha256":
			if i+1 >= len(args) {
				return fa, fmt.Errorf("%s needs a value", a)
			}
			i++
			if a == "--host" {
				fa.opts.Host = args[i]
			} else {
				fa.opts.ExpectedSHA256 = args[i]
			}
		default:
			switch {
			case fa.name == "":
				fa.name = a
			case fa.opts.SavePath == "":
				fa.opts.SavePath = a
			default:
				return fa, fmt.Errorf("unexpected argument %q", a)
			}
		}
	}
	if fa.name == "" {
		return fa, errors.New("usage: fetch <name> [save_path] [--host h] [--sha256 x]")
	}
	return fa, nil
}

func peerExecutor(ctx context.Context, in string, node *peer.Node) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		node.Close()
		os.Exit(0)
	case "status":
		fmt.Println(node.Status())
	case "add":
		if len(blocks) < 2 {
			fmt.Println("Usage: add <path>")
			return
		}
		m, err := node.Add(blocks[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Tracking %s (%s)\n", m.Name, humanize.IBytes(uint64(m.Size)))
	case "publish":
		args := blocks[1:]
		copyToRepo := slices.Contains(args, "--copy")
		args = slices.DeleteFunc(args, func(s string) bool { return s == "--copy" })
		if len(args) == 0 {
			fmt.Println("Usage: publish <path> [name] [--copy]")
			return
		}
		path, name := args[0], ""
		if len(args) > 1 {
			name = args[1]
		}
		if _, ok := node.Catalog().Get(path); ok && name == "" {
			path, name = "", args[0]
		} else if info, err := os.Stat(path); err == nil && !info.IsDir() {
			if report, err := node.CheckDuplicate(path); err == nil && report.IsDuplicate() {
				fmt.Println("Warning: " + report.Recommendation())
			}
		}
		m, err := node.Publish(path, name, copyToRepo)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Published %s (%s)\n", m.Name, humanize.IBytes(uint64(m.Size)))
	case "unpublish":
		if len(blocks) < 2 {
			fmt.Println("Usage: unpublish <name>")
			return
		}
		if err := node.Unpublish(blocks[1]); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Unpublished %s\n", blocks[1])
	case "local", "published":
		files := node.Catalog().Local()
		if blocks[0] == "published" {
			files = node.Catalog().PublishedFiles()
		}
		if len(files) == 0 {
			fmt.Println("No files.")
			return
		}
		for _, m := range files {
			state := "local"
			if m.Published {
				state = "published " + humanize.Time(m.PublishedAt)
			}
			fmt.Printf("  %-30s %10s  %s  %s\n", m.Name, humanize.IBytes(uint64(m.Size)), state, m.Path)
		}
	case "network":
		snapshot, order, err := node.RefreshNetwork()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		for _, host := range order {
			h := snapshot[host]
			fmt.Printf("%s (%s) at %s, last seen %s\n", host, h.DisplayName, h.Addr, humanize.Time(h.LastSeen.Time))
			for _, name := range sortedKeys(h.Files) {
				fmt.Printf("  %s (%s)\n", name, humanize.IBytes(uint64(h.Files[name].Size)))
			}
		}
	case "request":
		if len(blocks) < 2 {
			fmt.Println("Usage: request <name>")
			return
		}
		hosts, err := node.Request(blocks[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if len(hosts) == 0 {
			fmt.Println("Nobody shares " + blocks[1])
			return
		}
		for _, h := range hosts {
			fmt.Printf("  %s (%s) at %s, %s, modified %s\n", h.Hostname, h.DisplayName, h.Addr(),
				humanize.IBytes(uint64(h.Size)), h.Modified.Format(time.DateTime))
		}
	case "discover":
		if len(blocks) < 2 {
			fmt.Println("Usage: discover <hostname>")
			return
		}
		files, addr, err := node.Discover(blocks[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("%s at %s shares %d file(s)\n", blocks[1], addr, len(files))
		for _, name := range sortedKeys(files) {
			fmt.Printf("  %s (%s)\n", name, humanize.IBytes(uint64(files[name].Size)))
		}
	case "ping":
		if len(blocks) < 2 {
			fmt.Println("Usage: ping <hostname>")
			return
		}
		alive, err := node.Ping(blocks[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if alive {
			fmt.Println(blocks[1] + " is ALIVE")
		} else {
			fmt.Println(blocks[1] + " is DEAD")
		}
	case "fetch":
		fa, err := parseFetchArgs(blocks[1:])
		if err != nil {
			fmt.Println(err)
			return
		}
		runFetch(ctx, node, fa)
	case "fetches":
		list := node.Fetches().List()
		if len(list) == 0 {
			fmt.Println("No fetches.")
			return
		}
		for _, p := range list {
			fmt.Printf("  %s %-20s %-11s %5.1f%% from %s\n", shortID(p.ID), p.FileName, p.Status, p.Percent, p.PeerHost)
		}
	case "hash":
		if len(blocks) < 2 {
			fmt.Println("Usage: hash <path>")
			return
		}
		sum, err := dedup.HashFile(blocks[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println(sum)
	case "dup":
		if len(blocks) < 2 {
			fmt.Println("Usage: dup <path>")
			return
		}
		report, err := node.CheckDuplicate(blocks[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println(report.Recommendation())
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                          - Show peer status")
		fmt.Println("  add <path>                      - Track a local file")
		fmt.Println("  publish <path|name> [name] [--copy] - Share a file")
		fmt.Println("  unpublish <name>                - Stop sharing a file")
		fmt.Println("  local | published               - List tracked or shared files")
		fmt.Println("  network                         - Show every host and its files")
		fmt.Println("  request <name>                  - Find who shares a file")
		fmt.Println("  discover <host>                 - Show what a host shares")
		fmt.Println("  ping <host>                     - Check whether a host is registered")
		fmt.Println("  fetch <name> [path] [--host h] [--sha256 x] - Download a file")
		fmt.Println("  fetches                         - List downloads")
		fmt.Println("  hash <path>                     - Print a file's SHA-256")
		fmt.Println("  dup <path>                      - Look for local duplicates")
		fmt.Println("  exit                            - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func runFetch(ctx context.Context, node *peer.Node, fa fetchArgs) {
	sess, err := node.StartFetch(ctx, fa.name, fa.opts)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	pr := peer.NewProgressRenderer(sess, os.Stdout, true)
	go pr.Start()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !sess.Status().Terminal() {
		select {
		case <-ctx.Done():
			pr.StopAndWait()
			return
		case <-ticker.C:
		}
	}
	pr.StopAndWait()
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "add", Description: "Track a local file"},
		{Text: "publish", Description: "Share a file"},
		{Text: "unpublish", Description: "Stop sharing a file"},
		{Text: "local", Description: "List tracked files"},
		{Text: "published", Description: "List shared files"},
		{Text: "network", Description: "Show every host and its files"},
		{Text: "request", Description: "Find who shares a file"},
		{Text: "discover", Description: "Show what a host shares"},
		{Text: "ping", Description: "Check whether a host is registered"},
		{Text: "fetch", Description: "Download a file"},
		{Text: "fetches", Description: "List downloads"},
		{Text: "hash", Description: "Print a file's SHA-256"},
		{Text: "dup", Description: "Look for local duplicates"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().StringVarP(&peerName, "name", "n", "", "Hostname to register as (defaults to the system hostname)")
	peerCmd.Flags().StringVar(&peerDisplayName, "display-name", "", "Friendly name shown to other peers")
	peerCmd.Flags().IntVarP(&peerPort, "port", "p", 0, "Port for serving files (0 picks one from the configured range)")
	peerCmd.Flags().StringVarP(&peerRegistry, "registry", "r", "127.0.0.1:9000", "Address of the registry")
	peerCmd.Flags().StringVar(&peerRepo, "repo", "", "Repository directory (defaults to <repo_base>/<name>)")
	peerCmd.Flags().BoolVar(&peerDiscover, "discover", false, "Find the registry over mDNS")
	peerCmd.Flags().StringSliceVar(&peerPublish, "publish", nil, "Files to publish on startup")
	peerCmd.Flags().BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
