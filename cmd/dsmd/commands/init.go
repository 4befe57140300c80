package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/dsmd/internal/cli/prompt"
	"github.com/marmos91/dsmd/pkg/config"
	"github.com/spf13/cobra"
)

var (
	initForce          bool
	initNonInteractive bool
	initSelf           int
	initPeers          []string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a dsmd configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/dsmd/config.yaml.
Use --config to specify a custom path.

With no --self/--peer flags, init prompts interactively for this node's ID
and its peers' addresses. Pass --non-interactive (or any --self/--peer
flag) to skip the prompts and write a single-node default config instead.

Examples:
  # Prompt for node ID and peer list, write to the default location
  dsmd init

  # Non-interactive, single-node default config
  dsmd init --non-interactive

  # Non-interactive with an explicit cluster
  dsmd init --self 0 --peer 1:10.0.0.2:7330 --peer 2:10.0.0.3:7330

  # Force overwrite existing config
  dsmd init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVar(&initNonInteractive, "non-interactive", false, "Skip prompts and write config from flags/defaults")
	initCmd.Flags().IntVar(&initSelf, "self", -1, "This node's ID in [0, 256)")
	initCmd.Flags().StringArrayVar(&initPeers, "peer", nil, "Peer as id:address (repeatable)")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()
	configPath := configFile
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	cfg := config.GetDefaultConfig()

	interactive := !initNonInteractive && initSelf < 0 && len(initPeers) == 0
	if interactive {
		self, peers, err := promptClusterConfig()
		if err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("aborted")
				return nil
			}
			return err
		}
		cfg.Node.Self = self
		cfg.Node.Peers = peers
	} else if initSelf >= 0 {
		cfg.Node.Self = initSelf
		peers, err := parsePeerFlags(initPeers)
		if err != nil {
			return err
		}
		cfg.Node.Peers = peers
	}

	if !initForce && config.ConfigExistsAt(configPath) {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", configPath)
	}
	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Review node.self and node.peers in the generated file")
	fmt.Println("  2. Start the node with: dsmd start")
	fmt.Printf("  3. Or specify custom config: dsmd start --config %s\n", configPath)

	return nil
}

// promptClusterConfig interactively collects this node's ID and its peer
// list, the way "dsmd init" describes in its help text.
func promptClusterConfig() (int, []config.PeerConfig, error) {
	self, err := prompt.InputInt("Node ID (0-255)", 0)
	if err != nil {
		return 0, nil, err
	}

	var peers []config.PeerConfig
	for {
		more, err := prompt.Confirm(fmt.Sprintf("Add a peer? (%d configured so far)", len(peers)), len(peers) == 0)
		if err != nil {
			return 0, nil, err
		}
		if !more {
			break
		}

		id, err := prompt.InputInt("Peer node ID", len(peers)+1)
		if err != nil {
			return 0, nil, err
		}
		addr, err := prompt.InputRequired("Peer address (host:port)")
		if err != nil {
			return 0, nil, err
		}
		peers = append(peers, config.PeerConfig{ID: id, Address: addr})
	}

	return self, peers, nil
}

// parsePeerFlags parses repeated --peer id:address flags.
func parsePeerFlags(raw []string) ([]config.PeerConfig, error) {
	peers := make([]config.PeerConfig, 0, len(raw))
	for _, p := range raw {
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --peer %q: expected id:address", p)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid --peer %q: id must be an integer: %w", p, err)
		}
		peers = append(peers, config.PeerConfig{ID: id, Address: parts[1]})
	}
	return peers, nil
}
