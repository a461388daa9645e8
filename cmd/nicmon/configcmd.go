package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nicmon/internal/config"
	"nicmon/internal/model"
)

var (
	initForce     bool
	initInterface string
	initTraffic   bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the nicmon config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !initForce {
			return fmt.Errorf("%s exists; use --force to overwrite", configPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		cfg := config.Config{Interface: initInterface}
		if initTraffic {
			cfg.Traffic = &config.TrafficConfig{
				Server: config.HostConfig{
					ConnectType: config.ConnectRemote,
					Hops:        []model.Hop{{Address: "server.example:22", User: "root"}},
					IPs:         []string{"192.168.10.1"},
				},
				Client: config.HostConfig{IPs: []string{"192.168.10.2"}},
			}
		}
		if err := config.Save(configPath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "wrote %s\n", configPath)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	configInitCmd.Flags().StringVar(&initInterface, "interface", "eth0", "interface to monitor")
	configInitCmd.Flags().BoolVar(&initTraffic, "traffic", false, "include an example traffic section")
	configCmd.AddCommand(configInitCmd)
}
