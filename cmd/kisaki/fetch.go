package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"kisaki/internal/config"
	"kisaki/internal/container"
	"kisaki/internal/netclient"
	"kisaki/internal/ratelimit"
)

func fetchCmd() *cobra.Command {
	var (
		output    string
		rateKey   string
		timeout   time.Duration
		retries   int
		bodyLimit int64
	)

	cmd := &cobra.Command{
		Use:   "fetch [url]",
		Short: "Fetch a URL with the host's timeout, retry, and rate-limit policy",
		Long:  "Prints the response body, or streams it to --output with a progress line on terminals.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newFetchClient(cfg)
			if err != nil {
				return err
			}

			opts := []netclient.FetchOption{netclient.WithRateLimitKey(rateKey)}
			if timeout > 0 {
				opts = append(opts, netclient.WithTimeout(timeout))
			}
			if cmd.Flags().Changed("retries") {
				opts = append(opts, netclient.WithRetries(retries))
			}

			ctx := cmd.Context()
			if output == "" {
				data, err := client.DownloadBuffer(ctx, args[0], opts...)
				if err != nil {
					return err
				}
				if bodyLimit > 0 && int64(len(data)) > bodyLimit {
					data = data[:bodyLimit]
				}
				_, err = os.Stdout.Write(data)
				return err
			}

			opts = append(opts, netclient.WithProgress(progressPrinter(args[0])))

			n, err := client.DownloadToFile(ctx, args[0], output, opts...)
			if isatty.IsTerminal(os.Stderr.Fd()) {
				fmt.Fprintln(os.Stderr)
			}
			if err != nil {
				return err
			}
			logger.Info("downloaded", "url", args[0], "file", output, "size", humanize.Bytes(uint64(n)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the body to this file instead of stdout")
	cmd.Flags().StringVar(&rateKey, "rate-limit", "", "rate limit key from network.rateLimits (e.g. vndb)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout (default: network.timeoutMs)")
	cmd.Flags().IntVar(&retries, "retries", 0, "retry count (default: network.retries)")
	cmd.Flags().Int64Var(&bodyLimit, "max-bytes", 0, "truncate printed bodies to this many bytes")
	return cmd
}

func newFetchClient(cfg *config.Config) (*netclient.Client, error) {
	client, err := container.NewNetClient(cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	for _, key := range cfg.Network.RateLimitKeys() {
		rl := cfg.Network.RateLimits[key]
		if err := client.RegisterRateLimit(key, ratelimit.Config{MaxRequests: rl.MaxRequests, Window: rl.Window()}); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// progressPrinter redraws a single progress line on a terminal and stays
// silent otherwise.
func progressPrinter(rawURL string) func(written, total int64) {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return func(int64, int64) {}
	}
	var last time.Time
	return func(written, total int64) {
		if time.Since(last) < 100*time.Millisecond {
			return
		}
		last = time.Now()
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\r%s: %s / %s", rawURL, humanize.Bytes(uint64(written)), humanize.Bytes(uint64(total)))
			return
		}
		fmt.Fprintf(os.Stderr, "\r%s: %s", rawURL, humanize.Bytes(uint64(written)))
	}
}
