package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"aigw/internal/agent"
	"aigw/internal/config"
	"aigw/internal/events"
	"aigw/internal/functions"
	"aigw/internal/llm"
	"aigw/internal/provider"
	"aigw/internal/render"
	"aigw/internal/usage"
	"aigw/internal/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const observerTimeout = 2 * time.Second

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aigw [prompt]",
		Short:         "aigw - one prompt, any model provider",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}

			providerName := cfg.Provider
			if providerName == "" {
				providerName = provider.ForModel(cfg.Model)
			}
			if providerName == "" {
				return fmt.Errorf("cannot infer provider for model %q; pass --provider", cfg.Model)
			}
			if cfg.Providers[providerName].APIKey == "" {
				fmt.Fprintf(os.Stderr, "an API key for %s is required (AIGW_PROVIDERS_%s_API_KEY)\n", providerName, strings.ToUpper(providerName))
				os.Exit(2)
			}

			logger := buildLogger(cfg.Verbose)
			defer func() { _ = logger.Sync() }()

			kind, _ := cmd.Flags().GetString("kind")
			req := agent.Request{Prompt: prompt, Kind: llm.Kind(kind)}
			if path, _ := cmd.Flags().GetString("file"); path != "" {
				file, err := readAttachment(path)
				if err != nil {
					return err
				}
				req.File = file
			}

			registry := functions.NewRegistry()
			if noFunctions, _ := cmd.Flags().GetBool("no-functions"); !noFunctions {
				for _, fn := range functions.Builtins() {
					registry.Register(fn)
				}
				if cfg.Search.APIKey != "" {
					registry.Register(functions.NewWebSearch(cfg.Search.APIKey, cfg.Search.MaxBytes))
				}
			}
			recorder := usage.NewLogRecorder(logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if cfg.JSON {
				result, runErr := agent.NewAgent(registry, nil, recorder, logger, cfg).Run(ctx, req)
				payload, _ := json.MarshalIndent(result, "", "  ")
				fmt.Fprintln(os.Stdout, string(payload))
				return runErr
			}

			renderer := render.NewStdoutRenderer(os.Stdout, cfg.Verbose, cfg.Quiet, cfg.Verbose, true)
			observer := events.NewAsync(renderer, config.DefaultObserverBuffer, observerTimeout, logger)
			_, runErr := agent.NewAgent(registry, observer, recorder, logger, cfg).Run(ctx, req)
			_ = observer.Close()
			_ = renderer.Close()
			if dropped := observer.Dropped(); dropped > 0 {
				logger.Warn("progress events dropped", zap.Int64("dropped", dropped))
			}
			return runErr
		},
	}

	cmd.Flags().String("provider", "", "Provider name (inferred from the model when empty)")
	cmd.Flags().String("model", config.DefaultModel, "Model name")
	cmd.Flags().String("system", "", "System instructions")
	cmd.Flags().Int("max-depth", config.DefaultMaxDepth, "Maximum function-call rounds")
	cmd.Flags().Int("max-tokens", 0, "Maximum output tokens (0 = provider default)")
	cmd.Flags().Float64("temperature", 0, "Sampling temperature (unset = provider default)")
	cmd.Flags().Bool("no-stream", false, "Request a buffered response")
	cmd.Flags().String("timeout", config.DefaultTimeout.String(), "Per-request timeout (e.g. 60s)")
	cmd.Flags().Int("retries", config.DefaultRetries, "Retries for transport failures and retryable statuses")
	cmd.Flags().Bool("quiet", false, "Only print the answer")
	cmd.Flags().Bool("json", false, "Output a JSON run record")
	cmd.Flags().Bool("verbose", false, "Enable verbose logging")
	cmd.Flags().String("kind", string(llm.KindText), "Query kind: text, embed, image, edit_image, transcribe")
	cmd.Flags().String("file", "", "Attachment path or URL")
	cmd.Flags().Bool("no-functions", false, "Do not declare built-in functions")

	return cmd
}

func buildLogger(verbose bool) *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

func readAttachment(path string) (*llm.File, error) {
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return &llm.File{Name: name, MimeType: mimeType, URL: path}, nil
	}
	if util.IsSecretPath(path) {
		return nil, fmt.Errorf("refusing to attach credential file %s", name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return &llm.File{Name: name, MimeType: mimeType, Data: data}, nil
}
