package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-avatar/backend/internal/bootstrap"
	"github.com/zhouzirui/z-avatar/backend/internal/config"
	"github.com/zhouzirui/z-avatar/backend/internal/handler/status"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
	"github.com/zhouzirui/z-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/z-avatar/backend/internal/service/avatar"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory"
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true).
			Underline(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

type options struct {
	timeout time.Duration
	limit   int
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "memctl",
		Short: "Inspect and seed the avatar memory backend",
		Long: `memctl talks to the same avatar and memory services as the API server,
using the same environment variables.

  memctl status                  # which keys are configured
  memctl retrieve "my sister"    # query stored memories
  memctl memorize chat.json      # ingest a {"messages":[...]} file
  memctl token maya              # exchange a persona preset for a session token`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 45*time.Second, "request timeout")

	retrieve := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Retrieve memories for the configured user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return runRetrieve(cmd, opts, query)
		},
	}
	retrieve.Flags().IntVar(&opts.limit, "limit", 0, "maximum number of items (default from MEMORY_RETRIEVE_LIMIT)")

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show which services are configured",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStatus(cmd.OutOrStdout())
			},
		},
		retrieve,
		&cobra.Command{
			Use:   "memorize <file>",
			Short: "Ingest a conversation file into memory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMemorize(cmd, opts, args[0])
			},
		},
		&cobra.Command{
			Use:   "token <persona-id>",
			Short: "Create an avatar session token for a persona preset",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runToken(cmd, opts, args[0])
			},
		},
	)
	return root
}

func runStatus(out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	resp := status.Build(cfg, cfg.Memory.Enabled, cfg.AI.Enabled())
	fmt.Fprintln(out, sectionStyle.Render("Configuration"))
	fmt.Fprintf(out, "  memory backend: %s\n", valueOr(resp.MemoryBackend, "disabled"))
	fmt.Fprintf(out, "  llm provider:   %s\n", valueOr(resp.LLMProvider, "none"))
	fmt.Fprintln(out)
	for _, key := range resp.Keys {
		fmt.Fprintln(out, renderKey(key))
	}
	return nil
}

func renderKey(key status.KeyStatus) string {
	switch {
	case key.Configured:
		return successStyle.Render("  ✓ ") + key.Name
	case key.Required:
		return errorStyle.Render("  ✗ ") + key.Name + dimStyle.Render(" (required)")
	default:
		return warningStyle.Render("  - ") + key.Name + dimStyle.Render(" (optional)")
	}
}

func runRetrieve(cmd *cobra.Command, opts *options, query string) error {
	cfg, bridge, handle, closeMemory, err := openMemory(cmd.Context())
	if err != nil {
		return err
	}
	defer closeMemory()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	if _, err := handle.Acquire(ctx); err != nil {
		return err
	}
	if opts.limit > 0 {
		cfg.RetrieveLimit = opts.limit
		bridge = memory.NewBridge(memory.OptionsFromConfig(cfg, nil))
	}

	result, err := bridge.Search(ctx, handle, query)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), result)
	return nil
}

func printResult(out io.Writer, result memorymodel.QueryResult) {
	if len(result.Categories) == 0 && len(result.Items) == 0 {
		fmt.Fprintln(out, warningStyle.Render("No memories found"))
		return
	}

	if len(result.Categories) > 0 {
		fmt.Fprintln(out, sectionStyle.Render("Categories"))
		for _, c := range result.Categories {
			fmt.Fprintf(out, "  %s %s\n", successStyle.Render(c.Name+":"), c.Summary)
		}
		fmt.Fprintln(out)
	}
	if len(result.Items) > 0 {
		fmt.Fprintln(out, sectionStyle.Render("Items"))
		for _, it := range result.Items {
			score := ""
			if it.Similarity != 0 {
				score = dimStyle.Render(fmt.Sprintf(" (%.3f)", it.Similarity))
			}
			fmt.Fprintf(out, "  • %s%s\n", it.Summary, score)
		}
	}
}

func runMemorize(cmd *cobra.Command, opts *options, path string) error {
	record, err := memory.ReadRecordFile(path)
	if err != nil {
		return err
	}
	if len(record.Messages) == 0 {
		return fmt.Errorf("%s contains no messages", path)
	}

	_, bridge, handle, closeMemory, err := openMemory(cmd.Context())
	if err != nil {
		return err
	}
	defer closeMemory()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	backend, err := handle.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := backend.Memorize(ctx, memorymodel.MemorizeRequest{Scope: bridge.Scope(), Record: &record}); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("✓ memorized %d messages for user %s", len(record.Messages), bridge.Scope().UserID)))
	return nil
}

func runToken(cmd *cobra.Command, opts *options, personaID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	presets := persona.Seed()
	if cfg.PersonaFile != "" {
		if presets, err = persona.LoadFile(cfg.PersonaFile); err != nil {
			return err
		}
	}
	preset, ok := persona.NewMemoryStore(presets).FindByID(strings.TrimSpace(personaID))
	if !ok {
		return fmt.Errorf("unknown persona %q", personaID)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	token, err := avatar.NewClient(cfg.Avatar, nil).CreateSession(ctx, preset.Config())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// openMemory 构建与 API 服务相同的记忆后端，命令行不做摘要。
func openMemory(ctx context.Context) (config.MemoryConfig, *memory.Bridge, *memory.Handle, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return config.MemoryConfig{}, nil, nil, nil, err
	}

	factory, closer, err := bootstrap.MemoryFactory(ctx, cfg.Memory, nil)
	if err != nil {
		return config.MemoryConfig{}, nil, nil, nil, err
	}
	if factory == nil {
		closer()
		return config.MemoryConfig{}, nil, nil, nil, fmt.Errorf("memory is disabled (MEMORY_ENABLED=false)")
	}

	bridge := memory.NewBridge(memory.OptionsFromConfig(cfg.Memory, nil))
	return cfg.Memory, bridge, memory.NewHandle(factory), closer, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
