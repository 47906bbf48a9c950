package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rpcgate/internal/gateway"
	"rpcgate/pkg/config"
)

var (
	gw     *gateway.Gateway
	chain  string
	envArg string
)

func gatewayInit(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(envArg)
	if err != nil {
		return err
	}

	lv, err := logrus.ParseLevel(viper.GetString("logging.level"))
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrus.SetLevel(lv)

	gw = gateway.New(cfg, chain, nil, nil)
	return nil
}

func gatewayServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "gateway starting")
	return gw.Start(ctx)
}

var rootCmd = &cobra.Command{
	Use:               "gatewayd",
	Short:             "RPC gateway for a blockchain node fleet",
	PersistentPreRunE: gatewayInit,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the HTTP/WebSocket gateway and block until terminated",
	Args:  cobra.NoArgs,
	RunE:  gatewayServe,
}

func gatewayPeers(cmd *cobra.Command, _ []string) error {
	for _, addr := range gw.PeerChannel.LivePeers() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", addr)
	}
	return nil
}

func gatewayGroups(cmd *cobra.Command, _ []string) error {
	for _, g := range gw.Groups.GroupInfos() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d nodes\n", g.GroupID, g.Status, len(g.Nodes))
	}
	return nil
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list the live AMOP peer gateways this node has a pub/sub session with",
	Args:  cobra.NoArgs,
	RunE:  gatewayPeers,
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "list the chain groups registered with this gateway",
	Args:  cobra.NoArgs,
	RunE:  gatewayGroups,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "inspect the gateway configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "print the effective configuration after merging files, env overlay, and defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := config.AppConfig.YAML()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&chain, "chain", "chain1", "chain id this gateway fronts")
	rootCmd.PersistentFlags().StringVar(&envArg, "env", "", "config environment overlay (e.g. staging, prod)")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(serveCmd, peersCmd, groupsCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
