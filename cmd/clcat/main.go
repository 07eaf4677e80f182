package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/thrylos-labs/clcat/api"
	"github.com/thrylos-labs/clcat/config"
	"github.com/thrylos-labs/clcat/network/topics"
	"github.com/thrylos-labs/clcat/node"
)

var log = logging.Logger("clcat/cmd")

var rootCmd = &cobra.Command{
	Use:   "clcat",
	Short: "Line-oriented gossip over libp2p.",
	Long: `clcat joins the consensus-layer gossip topics of one fork, publishes every
line read from stdin to all of them and logs every message it receives.

Peers on the local network are found over mDNS. Connections use QUIC or
TCP with Noise and yamux, whichever handshake completes first.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runNode,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("api")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		status, err := api.NewClient(url).GetStatus(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the gossip topics of a fork",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("fork")
		fork, err := topics.ParseForkName(name)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", fork, fork.Digest())
		for _, t := range topics.TopicsFor(fork) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", t)
		}
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen-address") {
		cfg.Network.ListenAddrs, _ = flags.GetStringArray("listen-address")
	}
	if flags.Changed("dial-address") {
		cfg.Network.DialAddrs, _ = flags.GetStringArray("dial-address")
	}
	if flags.Changed("fork") {
		cfg.Fork, _ = flags.GetString("fork")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("api-addr") {
		cfg.API.Addr, _ = flags.GetString("api-addr")
	}
	if flags.Changed("no-mdns") {
		noMDNS, _ := flags.GetBool("no-mdns")
		cfg.Network.EnableMDNS = !noMDNS
	}
	return cfg, nil
}

// setupLogging keeps libp2p subsystems at warn unless debugging.
func setupLogging(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	if lvl == logging.LevelDebug {
		logging.SetAllLoggers(lvl)
	} else {
		logging.SetAllLoggers(logging.LevelWarn)
	}
	return logging.SetLogLevelRegex("clcat/.*", level)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return &node.Error{Code: node.CodeConfig, Msg: "failed to load configuration", Inner: err}
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return &node.Error{Code: node.CodeConfig, Msg: "invalid log level", Inner: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(cfg, cmd.InOrStdin())
	if err != nil {
		return err
	}
	defer n.Close()

	if err := n.Start(ctx); err != nil {
		return err
	}

	var apiErrs <-chan error
	if cfg.API.Addr != "" {
		am := api.NewAPIManager(n, cfg.API.Addr, cfg.API.EnableCORS)
		if err := am.Start(); err != nil {
			return &node.Error{Code: node.CodeClientInit, Msg: "failed to start API server", Inner: err}
		}
		defer am.Stop()
		apiErrs = am.Errors()
	}

	err = serve(ctx, n.Run, apiErrs)
	log.Infow("shutting down")
	return err
}

// serve drives run until it returns or the API server fails. A server
// failure stops the node.
func serve(ctx context.Context, run func(context.Context) error, apiErrs <-chan error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	select {
	case err := <-done:
		return err
	case err := <-apiErrs:
		log.Errorw("API server failed, stopping node", "error", err)
		cancel()
		<-done
		return &node.Error{Code: node.CodeClientInit, Msg: "API server failed", Inner: err}
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayP("listen-address", "l", nil, "Multiaddr to listen on (repeatable)")
	cmd.Flags().StringArrayP("dial-address", "d", nil, "Multiaddr to dial, ending in the remote peer id, e.g. /ip4/192.168.1.7/udp/9000/quic-v1/p2p/<peer-id> (repeatable)")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("api-addr", "", "Serve the status API on this host:port")
	cmd.Flags().Bool("no-mdns", false, "Disable local network discovery")
	cmd.Flags().String("config", "", "JSON configuration file")
	cmd.Flags().String("fork", topics.DefaultFork.String(), "Fork whose topics are joined")
}

func init() {
	addRunFlags(rootCmd)
	topicsCmd.Flags().String("fork", topics.DefaultFork.String(), "Fork whose topics are listed")

	statusCmd.Flags().String("api", "http://127.0.0.1:8080", "Base URL of the node's status API")

	rootCmd.AddCommand(statusCmd, topicsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(node.ExitCode(err))
	}
}
