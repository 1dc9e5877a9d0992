// Command whosecoind runs a whosecoin node: a proof-of-stake block tree
// with VRF leader election, gossiped over TCP, with an HTTP browse surface
// and an interactive REPL.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/whosecoin/whosecoin-core/cli"
	"github.com/whosecoin/whosecoin-core/config"
	"github.com/whosecoin/whosecoin-core/indexer"
	"github.com/whosecoin/whosecoin-core/node"
	"github.com/whosecoin/whosecoin-core/rest"
	"github.com/whosecoin/whosecoin-core/storage"
	"github.com/whosecoin/whosecoin-core/wallet"
)

func main() {
	root := &cobra.Command{
		Use:           "whosecoind",
		Short:         "whosecoin proof-of-stake node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(startCmd(), keygenCmd())
	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func startCmd() *cobra.Command {
	var (
		cfgPath      string
		port         int
		backlog      int
		shouldListen bool
		restPort     int
		connect      []string
		keyFile      string
		logLevel     string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			// Explicit flags take final precedence.
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("backlog") {
				cfg.Backlog = backlog
			}
			if flags.Changed("should-listen") {
				cfg.ShouldListen = shouldListen
			}
			if flags.Changed("rest-port") {
				cfg.RESTPort = restPort
			}
			if flags.Changed("connect") {
				cfg.Connect = connect
			}
			if flags.Changed("key") {
				cfg.KeyFile = keyFile
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "whosecoin.json", "path to the JSON config file")
	cmd.Flags().IntVar(&port, "port", 1960, "gossip listen port")
	cmd.Flags().IntVar(&backlog, "backlog", 64, "maximum simultaneous peers")
	cmd.Flags().BoolVar(&shouldListen, "should-listen", true, "accept incoming peer connections")
	cmd.Flags().IntVar(&restPort, "rest-port", 8080, "HTTP browse port")
	cmd.Flags().StringArrayVar(&connect, "connect", nil, "peer to dial as host:port (repeatable)")
	cmd.Flags().StringVar(&keyFile, "key", "", "path to the node key file (ephemeral key if unset)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func keygenCmd() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a node key file and exit",
		RunE: func(*cobra.Command, []string) error {
			pub, priv, err := wallet.Generate()
			if err != nil {
				return err
			}
			if err := wallet.Save(keyFile, priv); err != nil {
				return err
			}
			fmt.Printf("public key: %s\n", pub.Hex())
			fmt.Printf("saved to:   %s\n", keyFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "whosecoin.key", "output key file path")
	return cmd
}

func run(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "main")

	pub, priv, err := wallet.LoadOrGenerate(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	log.Infof("public key %s", pub.Hex())

	db, err := storage.NewMemDB()
	if err != nil {
		return err
	}
	defer db.Close()
	idx := indexer.New(db)

	n := node.New(cfg, pub, priv, idx)
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Stop()

	api := rest.NewServer(fmt.Sprintf(":%d", cfg.RESTPort), n.Chain(), n.Pool(), idx)
	if err := api.Start(); err != nil {
		return err
	}
	defer api.Stop()
	log.Infof("browse surface on port %d", cfg.RESTPort)

	repl := cli.New(n, os.Stdout)
	go repl.Run(os.Stdin)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	signal.Stop(sig)
	log.Info("shutting down")
	return nil
}
