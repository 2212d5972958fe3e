package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"kisaki/internal/config"
)

var knownLogLevels = []string{"debug", "info", "warn", "error"}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: data directory → surface port → logging → rate limits → save config",
		Long:  "Guides you through the data directory, the port surfaces connect to, the log level, and per-site rate limits. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(os.Stdin, os.Stdout, cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
			fmt.Println("Next: run 'kisaki doctor', then 'kisaki serve'.")
			return nil
		},
	}
}

// runWizard fills cfg from answers read on in. An empty answer keeps the
// value shown in brackets.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Data directory
	fmt.Fprintln(out, "\n--- Step 1: Data directory ---")
	fmt.Fprint(out, "Directory for the settings database, logs, and backups")
	dir, err := prompt(cfg.General.DataDir)
	if err != nil {
		return err
	}
	cfg.General.DataDir = config.ExpandPath(dir)
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Fprintf(out, "  Using data directory: %s\n", cfg.General.DataDir)

	// Step 2: Surface port
	fmt.Fprintln(out, "\n--- Step 2: Surface port ---")
	fmt.Fprint(out, "Port surfaces connect to on "+cfg.IPC.Host)
	portStr, err := prompt(strconv.Itoa(cfg.IPC.Port))
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	cfg.IPC.Port = port
	fmt.Fprintf(out, "  Surfaces connect to: %s\n", cfg.IPC.URL())

	// Step 3: Log level
	fmt.Fprintln(out, "\n--- Step 3: Log level ---")
	for i, l := range knownLogLevels {
		fmt.Fprintf(out, "  %d) %s\n", i+1, l)
	}
	fmt.Fprint(out, "Choose level (1-"+strconv.Itoa(len(knownLogLevels))+")")
	defNum := "2"
	for i, l := range knownLogLevels {
		if l == cfg.General.LogLevel {
			defNum = strconv.Itoa(i + 1)
			break
		}
	}
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(knownLogLevels) {
		idx = 2
	}
	cfg.General.LogLevel = knownLogLevels[idx-1]
	fmt.Fprintf(out, "  Using log level: %s\n", cfg.General.LogLevel)

	// Step 4: Rate limits
	fmt.Fprintln(out, "\n--- Step 4: Rate limits ---")
	if cfg.Network.RateLimits == nil {
		cfg.Network.RateLimits = make(map[string]config.RateLimitConfig)
	}
	for _, key := range cfg.Network.RateLimitKeys() {
		rl := cfg.Network.RateLimits[key]
		fmt.Fprintf(out, "Requests allowed to %s per %s", key, rl.Window())
		n, err := prompt(strconv.Itoa(rl.MaxRequests))
		if err != nil {
			return err
		}
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			rl.MaxRequests = v
			cfg.Network.RateLimits[key] = rl
		}
	}

	return config.Validate(cfg)
}
