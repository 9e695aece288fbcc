package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize local configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigCheckCmd())
	cmd.AddCommand(newConfigLockCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		self  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := profile.ConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := config.Default()
			cfg.SelfUserID = self
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&self, "self", "", "local user id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate config.toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := profile.ConfigPath()
			cfg, err := config.LoadOrDefault(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (driver=%s)\n", path, cfg.Remote.Driver)
			return nil
		},
	}
}

func newConfigLockCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Show which process holds a profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name = profile.Resolve(name)
			h, err := lock.ReadHolder(profile.Dir(name))
			out := cmd.OutOrStdout()
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(out, "profile %s is not running\n", name)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "profile %s held by PID %d since %s\n", name, h.PID, h.Since.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "profile name")
	return cmd
}
