// Package commands implements the readinessctl command tree.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/readiness/internal/client"
	"github.com/pingsantohq/readiness/internal/logging"
)

const (
	envPrefix      = "READINESSCTL"
	configFileName = ".readinessctl"
	defaultServer  = "http://localhost:5001"
)

// Output formats accepted by --output.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// cli carries state shared by every subcommand. Flags, environment
// variables and ~/.readinessctl.yaml are merged through v.
type cli struct {
	v          *viper.Viper
	httpClient *http.Client
	logger     *zap.SugaredLogger
	api        *client.Client
}

// NewRootCmd builds the command tree. httpClient may be nil.
func NewRootCmd(httpClient *http.Client) *cobra.Command {
	c := &cli{v: viper.New(), httpClient: httpClient}

	root := &cobra.Command{
		Use:   "readinessctl",
		Short: "Operate a network readiness appliance",
		Long: `readinessctl drives a readiness appliance over its REST API: start
diagnostic runs and watch them live, browse history, export reports and
manage appliance settings.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	flags := root.PersistentFlags()
	flags.String("server", defaultServer, "Appliance base URL")
	flags.StringP("output", "o", outputTable, "Output format (table, json, yaml)")
	flags.String("admin-token", "", "Admin token for remote settings changes")
	flags.String("config", "", "Config file (default ~/.readinessctl.yaml)")
	flags.Duration("timeout", 30*time.Second, "Per-request timeout")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	_ = c.v.BindPFlags(flags)

	root.AddCommand(
		c.versionCmd(),
		c.runCmd(),
		c.statusCmd(),
		c.historyCmd(),
		c.exportCmd(),
		c.downloadCmd(),
		c.securityCmd(),
		c.deviceCmd(),
		c.systemCmd(),
		c.accessCmd(),
		c.settingsCmd(),
		c.backupCmd(),
		c.restoreCmd(),
		c.factoryResetCmd(),
		c.testCmd(),
		c.pushCmd(),
		c.discoverCmd(),
	)
	return root
}

// Execute runs the command tree against the process arguments.
func Execute() error {
	return NewRootCmd(nil).Execute()
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if path := c.v.GetString("config"); path != "" {
		c.v.SetConfigFile(path)
	} else {
		c.v.SetConfigName(configFileName)
		c.v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			c.v.AddConfigPath(home)
		}
	}
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	switch c.output() {
	case outputTable, outputJSON, outputYAML:
	default:
		return fmt.Errorf("unsupported output %q", c.output())
	}

	c.logger = logging.NewConsole(c.v.GetBool("verbose"))
	if c.v.ConfigFileUsed() != "" {
		c.logger.Debugw("config loaded", "file", filepath.Clean(c.v.ConfigFileUsed()))
	}
	return nil
}

// client lazily builds the API client so commands that never talk to the
// appliance do not require a server URL.
func (c *cli) client() (*client.Client, error) {
	if c.api != nil {
		return c.api, nil
	}
	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.v.GetDuration("timeout")}
	}
	api, err := client.NewClient(client.Config{
		ServerURL:  c.v.GetString("server"),
		AdminToken: c.v.GetString("admin-token"),
	}, client.Dependencies{HTTPClient: httpClient, Logger: c.logger})
	if err != nil {
		return nil, err
	}
	c.api = api
	return api, nil
}

func (c *cli) output() string {
	return strings.ToLower(c.v.GetString("output"))
}

// render prints value in the selected output format. table draws the
// human-readable form.
func (c *cli) render(w io.Writer, value any, table func(io.Writer) error) error {
	switch c.output() {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(value); err != nil {
			return err
		}
		return enc.Close()
	default:
		return table(w)
	}
}

// message prints a confirmation unless a machine-readable output is selected.
func (c *cli) message(w io.Writer, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if c.output() != outputTable {
		return c.render(w, map[string]any{"success": true, "message": msg}, nil)
	}
	_, err := fmt.Fprintln(w, msg)
	return err
}
