package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/topgundb/topgun/pkg/cluster"
	"github.com/topgundb/topgun/pkg/log"
	"github.com/topgundb/topgun/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a TopGun coordinator node",
	Long: `Start the coordinator: the websocket endpoint for clients, the cluster
endpoint for peers, and the HTTP facade with /health, /sync, /mcp and
/metrics.

Every flag falls back to a TOPGUN_* environment variable, so containerized
deployments can configure the node without a command line.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file")
	serveCmd.Flags().String("node-id", "", "cluster member id (default: hostname)")
	serveCmd.Flags().String("data-dir", "./data", "storage directory")
	serveCmd.Flags().String("url", "", "listen address (env TOPGUN_URL)")
	serveCmd.Flags().Int("port", 8765, "listen port when --url is unset (env TOPGUN_PORT)")
	serveCmd.Flags().String("token", "", "auth secret: HMAC key or PEM public key (env TOPGUN_TOKEN)")
	serveCmd.Flags().String("maps", "", "comma-separated map allowlist (env TOPGUN_MAPS)")
	serveCmd.Flags().Bool("no-mutations", false, "reject all write verbs (env TOPGUN_NO_MUTATIONS)")
	serveCmd.Flags().Bool("no-subscriptions", false, "disable live queries and topics (env TOPGUN_NO_SUBSCRIPTIONS)")
	serveCmd.Flags().String("peers", "", "static peers as id=ws://host:port/cluster, comma separated (env TOPGUN_PEERS)")
	serveCmd.Flags().Bool("search", false, "enable the full-text index and SEARCH verbs")
	serveCmd.Flags().Bool("http", true, "expose the HTTP facade endpoints (env TOPGUN_HTTP)")
	serveCmd.Flags().Bool("debug", false, "debug logging (env TOPGUN_DEBUG)")
}

// envString falls back to an environment variable when the flag was not set
// on the command line.
func envString(cmd *cobra.Command, flag, env string) string {
	if cmd.Flags().Changed(flag) || os.Getenv(env) == "" {
		v, _ := cmd.Flags().GetString(flag)
		return v
	}
	return os.Getenv(env)
}

func envBool(cmd *cobra.Command, flag, env string) bool {
	if cmd.Flags().Changed(flag) || os.Getenv(env) == "" {
		v, _ := cmd.Flags().GetBool(flag)
		return v
	}
	v, _ := strconv.ParseBool(os.Getenv(env))
	return v
}

func envInt(cmd *cobra.Command, flag, env string) int {
	if cmd.Flags().Changed(flag) || os.Getenv(env) == "" {
		v, _ := cmd.Flags().GetInt(flag)
		return v
	}
	v, _ := strconv.Atoi(os.Getenv(env))
	return v
}

// parsePeers parses "id=url,id=url" peer declarations.
func parsePeers(spec string) ([]cluster.Peer, error) {
	if spec == "" {
		return nil, nil
	}
	var peers []cluster.Peer
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer %q: want id=url", part)
		}
		peers = append(peers, cluster.Peer{ID: id, URL: url})
	}
	return peers, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	debug := envBool(cmd, "debug", "TOPGUN_DEBUG")
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true})

	cfg := server.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := server.LoadConfigFile(path, &cfg); err != nil {
			return err
		}
	}

	if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
		cfg.NodeID = nodeID
	}
	if cfg.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to derive node id: %w", err)
		}
		cfg.NodeID = hostname
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if token := envString(cmd, "token", "TOPGUN_TOKEN"); token != "" {
		cfg.AuthSecret = token
	}
	if cfg.AuthSecret == "" {
		return fmt.Errorf("auth secret required: set --token or TOPGUN_TOKEN")
	}
	if maps := envString(cmd, "maps", "TOPGUN_MAPS"); maps != "" {
		cfg.AllowedMaps = nil
		for _, m := range strings.Split(maps, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.AllowedMaps = append(cfg.AllowedMaps, m)
			}
		}
	}
	if envBool(cmd, "no-mutations", "TOPGUN_NO_MUTATIONS") {
		cfg.EnableMutations = false
	}
	if envBool(cmd, "no-subscriptions", "TOPGUN_NO_SUBSCRIPTIONS") {
		cfg.EnableSubscriptions = false
	}
	if enableSearch, _ := cmd.Flags().GetBool("search"); enableSearch {
		cfg.EnableSearch = true
	}
	if peerSpec := envString(cmd, "peers", "TOPGUN_PEERS"); peerSpec != "" {
		peers, err := parsePeers(peerSpec)
		if err != nil {
			return err
		}
		cfg.Peers = peers
	}

	addr := envString(cmd, "url", "TOPGUN_URL")
	if addr == "" {
		addr = fmt.Sprintf(":%d", envInt(cmd, "port", "TOPGUN_PORT"))
	}
	cfg.EnableHTTPFacade = envBool(cmd, "http", "TOPGUN_HTTP")

	coord, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coord.Start(addr); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return coord.Stop(ctx)
}
