// Command recurd runs the recurring task generation engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"recurd/internal/app"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "recurd",
	Short:         "Generate tasks from recurring task templates",
	SilenceUsage:  true,
	SilenceErrors: true,
	// Bare "recurd" serves.
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./recurd.yaml", "path to config file (yaml or json)")
}

// openApp builds the app for a one-shot command. The caller must Close it.
var openApp = func(ctx context.Context) (*app.App, error) {
	return app.New(ctx, cfgPath, app.Options{})
}

// withApp runs fn against a freshly built app bounded by timeout.
func withApp(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, a), a.Close())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
