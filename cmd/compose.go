package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func composeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compose [message]",
		Short: "Print the memory context that would accompany a message",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, ctx := openStores()
			defer a.Close()

			out := a.Composer.Compose(ctx, args[0])
			if out.Diagnostic != "" {
				fmt.Fprintf(os.Stderr, "Compose failed: %s\n", out.Diagnostic)
				os.Exit(1)
			}
			fmt.Println(out.Text)
		},
	}
}
