// cmd/forwardctl/main.go sets up the operator CLI. Every command talks to a
// running server over its HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("forwardctl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "forwardctl",
		Short:         "Operate an SMS forwarder",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().String("server", defaultServer, "forwarder server base URL (env FORWARDCTL_SERVER)")
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))

	client := func() *apiClient { return newAPIClient(v.GetString("server")) }

	root.AddCommand(
		newExportCmd(client),
		newImportCmd(client),
		newTargetsCmd(client),
		newChannelsCmd(client),
		newInjectCmd(client),
		newEventsCmd(client),
		newDiagnosticsCmd(client),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
