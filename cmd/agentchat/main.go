package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

const connectTimeout = 10 * time.Second

var (
	serverURL string
	password  string
	altScreen bool
)

var rootCmd = &cobra.Command{
	Use:          "agentchat",
	Short:        "Terminal client for an agentbridge server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "url", "http://localhost:3100", "server base URL")
	rootCmd.Flags().StringVar(&password, "password", os.Getenv("AGENT_PASSWORD"), "server password (default $AGENT_PASSWORD)")
	rootCmd.Flags().BoolVar(&altScreen, "alt-screen", true, "use the terminal's alternate screen")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	c, err := newClient(serverURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if password != "" {
		if err := c.login(ctx, password); err != nil {
			return err
		}
	}
	history, err := c.history(ctx)
	if err != nil {
		return err
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	defer c.close()

	inbound := make(chan tea.Msg, 256)
	go c.listen(inbound)

	m := newModel(c, inbound, serverURL)
	m.t.load(history)

	opts := []tea.ProgramOption{tea.WithMouseCellMotion()}
	if altScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	final, err := tea.NewProgram(m, opts...).Run()
	if err != nil {
		return fmt.Errorf("agentchat: %w", err)
	}
	if fm, ok := final.(model); ok && fm.lastErr != nil {
		return fm.lastErr
	}
	return nil
}
