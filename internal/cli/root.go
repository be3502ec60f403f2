// Package cli implements the chunkupload command line interface.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	verbose    bool
	baseURL    string
	endpoint   string
	headers    []string
}

// app is the state shared by the subcommands once the configuration is loaded.
type app struct {
	cfg     *config.Config
	logger  log.Logger
	envRepo env.Repository
}

// Execute runs the root command. Canceling ctx aborts running uploads.
func Execute(ctx context.Context) error {
	return newRootCmd(env.NewRepository(), log.NewLogger()).ExecuteContext(ctx)
}

func newRootCmd(envRepo env.Repository, logger log.Logger) *cobra.Command {
	opts := &globalOptions{}
	a := &app{logger: logger, envRepo: envRepo}

	rootCmd := &cobra.Command{
		Use:           "chunkupload",
		Short:         "Resumable-protocol chunked file uploader",
		Long:          "Uploads files in sequential chunks to a server speaking the Upload-Offset / Upload-Length PATCH protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.EnableDebugLog(opts.verbose)

			cfg, err := loadConfig(cmd, opts, envRepo)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		fmt.Sprintf("Path to the config file (default $%s or ./%s)", config.ConfigPathKey, config.DefaultFileName))
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "Base URL of the upload server")
	rootCmd.PersistentFlags().StringVar(&opts.endpoint, "endpoint", "", "Upload endpoint, relative to the base URL or absolute")
	rootCmd.PersistentFlags().StringArrayVarP(&opts.headers, "header", "H", nil, `Extra request header in "Name: value" form, repeatable`)

	rootCmd.AddCommand(newUploadCmd(a))
	rootCmd.AddCommand(newRevertCmd(a))

	return rootCmd
}

// loadConfig applies the flags that were set on top of defaults, file and environment.
func loadConfig(cmd *cobra.Command, opts *globalOptions, envRepo env.Repository) (*config.Config, error) {
	cfg, err := config.Read(opts.configPath, envRepo)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("base-url") {
		cfg.Server.BaseURL = opts.baseURL
	}
	if cmd.Flags().Changed("endpoint") {
		cfg.Server.Endpoint = opts.endpoint
	}
	if len(opts.headers) > 0 {
		if cfg.Server.Headers == nil {
			cfg.Server.Headers = map[string]string{}
		}
		for _, h := range opts.headers {
			name, value, err := parseHeader(h)
			if err != nil {
				return nil, err
			}
			cfg.Server.Headers[name] = value
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func parseHeader(h string) (string, string, error) {
	name, value, ok := strings.Cut(h, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
	}
	return name, strings.TrimSpace(value), nil
}

func (a *app) newTransport() *transport.Client {
	var opts []transport.Option
	for name, value := range a.cfg.Server.Headers {
		opts = append(opts, transport.WithHeader(name, value))
	}
	return transport.NewClient(a.logger, opts...)
}
