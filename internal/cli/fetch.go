package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/muniwatch/internal/control"
	"github.com/vietddude/muniwatch/internal/core/domain"
	"github.com/vietddude/muniwatch/internal/infra/rpc"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <stop_code>",
	Short: "Fetch arrivals for one stop and print them",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ic := selectInstance(cfg)

	client := rpc.NewClient(control.ClientConfig(ic))
	defer func() {
		_ = client.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	lines, err := client.Arrivals(ctx, args[0])
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	printLines(cmd.OutOrStdout(), lines, ic.MaxResults)
	return nil
}

func printLines(out io.Writer, lines []domain.LineArrivals, maxResults int) {
	if len(lines) == 0 {
		fmt.Fprintln(out, "No arrivals")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "LINE\tDESTINATIONS\tNEXT")
	for _, l := range lines {
		times := make([]string, 0, len(l.Times))
		for i, t := range l.Times {
			if maxResults > 0 && i >= maxResults {
				break
			}
			times = append(times, t.FormattedTime)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", l.Line, strings.Join(l.Destinations, ", "), strings.Join(times, ", "))
	}
	_ = w.Flush()
}
