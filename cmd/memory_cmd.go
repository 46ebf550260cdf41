package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/memclaw/internal/app"
	"github.com/nextlevelbuilder/memclaw/internal/executive"
	"github.com/nextlevelbuilder/memclaw/internal/memory"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit stored memory",
	}
	cmd.AddCommand(memoryListCmd())
	cmd.AddCommand(memoryAddCmd())
	cmd.AddCommand(memoryDeleteCmd())
	cmd.AddCommand(memoryClearCmd())
	return cmd
}

// openStores builds the durable side of the app only; no cache or bus.
func openStores() (*app.App, context.Context) {
	cfg := mustLoadConfig()
	a := app.New(cfg)
	ctx := context.Background()
	if err := a.InitStores(ctx); err != nil {
		a.Close()
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	return a, ctx
}

func memoryListCmd() *cobra.Command {
	var (
		category string
		format   string
		width    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored records",
		Run: func(cmd *cobra.Command, args []string) {
			cats := memory.Categories
			if category != "" {
				c, err := memory.ParseCategory(category)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				cats = []memory.Category{c}
			}

			a, ctx := openStores()
			defer a.Close()

			var all []memory.Record
			for _, c := range cats {
				recs, err := a.Adapter(c).All(ctx)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error reading %s: %s\n", c, err)
					os.Exit(1)
				}
				all = append(all, recs...)
			}
			if err := printRecords(os.Stdout, all, format, width); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "rule, longterm or working (default all)")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "table, json or yaml")
	cmd.Flags().IntVar(&width, "width", 48, "content column width in table output")
	return cmd
}

func memoryAddCmd() *cobra.Command {
	var (
		category string
		priority float64
	)
	cmd := &cobra.Command{
		Use:   "add [text]",
		Short: "Add a statement, classified like a chat turn unless --category is given",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, ctx := openStores()
			defer a.Close()

			if category == "" {
				utt := executive.Utterance{Text: args[0], SourceID: "cli"}
				if cmd.Flags().Changed("priority") {
					utt.Priority = &priority
				}
				out := a.Executive.Process(ctx, utt, "")
				if !out.OK() {
					fmt.Fprintf(os.Stderr, "Error: %s (%s)\n", out.Failure, out.Stage)
					os.Exit(1)
				}
				fmt.Printf("%s", out.Stage)
				if out.Record != nil {
					fmt.Printf(" %s", out.Record.ID)
				}
				if out.Reason != "" {
					fmt.Printf(" (%s)", out.Reason)
				}
				fmt.Println()
				return
			}

			c, err := memory.ParseCategory(category)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			meta := memory.Metadata{Priority: priority, Source: "cli"}
			if c == memory.CategoryWorking {
				meta.Role = memory.RoleUser
			}
			rec, err := a.Adapter(c).Store(ctx, args[0], meta)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Stored %s %s\n", c, rec.ID)
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "store directly into rule, longterm or working")
	cmd.Flags().Float64VarP(&priority, "priority", "p", memory.DefaultPriority, "priority in [0,1]")
	return cmd
}

func memoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a record by id",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, ctx := openStores()
			defer a.Close()

			for _, c := range memory.Categories {
				err := a.Adapter(c).Delete(ctx, args[0])
				if errors.Is(err, memory.ErrNotFound) {
					continue
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				fmt.Printf("Deleted %s record: %s\n", c, args[0])
				return
			}
			fmt.Fprintf(os.Stderr, "Record not found: %s\n", args[0])
			os.Exit(1)
		},
	}
}

func memoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-working",
		Short: "Empty working memory (a backup copy is kept)",
		Run: func(cmd *cobra.Command, args []string) {
			a, ctx := openStores()
			defer a.Close()

			if err := a.Working.Clear(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("Working memory cleared.")
		},
	}
}

func printRecords(w io.Writer, recs []memory.Record, format string, width int) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(recordsYAML(recs))
	case "table", "":
		printTable(w, recs, width)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// printTable aligns by display width so CJK content lines up.
func printTable(w io.Writer, recs []memory.Record, width int) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No records.")
		return
	}
	if width < 8 {
		width = 8
	}
	idWidth := len("ID")
	for _, r := range recs {
		idWidth = max(idWidth, len(r.ID))
	}

	row := func(id, cat, prio, content, updated string) {
		line := fmt.Sprintf("%s  %s  %s  %s  %s",
			runewidth.FillRight(id, idWidth),
			runewidth.FillRight(cat, 8),
			runewidth.FillRight(prio, 4),
			runewidth.FillRight(content, width),
			runewidth.FillRight(updated, 16))
		fmt.Fprintln(w, line)
	}
	row("ID", "CATEGORY", "PRIO", "CONTENT", "UPDATED")
	for _, r := range recs {
		content := strings.Join(strings.Fields(r.Content), " ")
		row(r.ID, string(r.Category), fmt.Sprintf("%.2f", r.Metadata.Priority),
			runewidth.Truncate(content, width, "…"),
			r.Metadata.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

type recordYAML struct {
	ID        string   `yaml:"id"`
	Category  string   `yaml:"category"`
	Content   string   `yaml:"content"`
	Priority  float64  `yaml:"priority"`
	Role      string   `yaml:"role,omitempty"`
	Tags      []string `yaml:"tags,omitempty"`
	Interests []string `yaml:"interests,omitempty"`
	Events    []string `yaml:"events,omitempty"`
	Entities  []string `yaml:"entities,omitempty"`
	Refs      int      `yaml:"reference_count,omitempty"`
	Created   string   `yaml:"created_at"`
	Updated   string   `yaml:"updated_at"`
}

func recordsYAML(recs []memory.Record) []recordYAML {
	out := make([]recordYAML, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordYAML{
			ID:        r.ID,
			Category:  string(r.Category),
			Content:   r.Content,
			Priority:  r.Metadata.Priority,
			Role:      r.Metadata.Role,
			Tags:      r.Metadata.Tags,
			Interests: r.Metadata.Interests,
			Events:    r.Metadata.Events,
			Entities:  r.Metadata.Entities,
			Refs:      r.Metadata.ReferenceCount,
			Created:   r.Metadata.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Updated:   r.Metadata.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out
}
