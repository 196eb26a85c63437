package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/batchledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL    string
	cfgFile      string
	actorID      string
	token        string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "provctl",
	Short: "Batch provenance ledger CLI",
	Long: `provctl records and inspects batch provenance on a ledger server.

Writers authenticate with a session token (--token or LEDGER_TOKEN). Against
development servers an actor ID (--actor) is accepted instead.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.provctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("LEDGER")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
		if actorID == "" {
			actorID = viper.GetString("actor")
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.provctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "ledger base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "", "actor ID sent in the X-Actor-ID header")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "session token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text or json")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	if actorID != "" {
		opts = append(opts, client.WithActorID(actorID))
	}
	return client.New(ledgerURL, opts...)
}

// emit writes v as indented JSON when -o json is set and calls text otherwise.
func emit(out io.Writer, v any, text func(io.Writer) error) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(out)
}

// payloadArg reads a JSON payload from a literal, "@file" or "-" for stdin.
func payloadArg(arg string, stdin io.Reader) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	var raw []byte
	var err error
	switch {
	case arg == "-":
		raw, err = io.ReadAll(stdin)
	case arg[0] == '@':
		raw, err = os.ReadFile(arg[1:])
	default:
		raw = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the provctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "provctl %s\n", version)
	},
}
