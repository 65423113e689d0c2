package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"hades/internal/app"
	"hades/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "hades",
	Short: "HADES operator console",
	Long: `HADES submits cyber inject requests and follows their execution.
- Inject: a named request naming targets, goals, and the techniques that are allowed or prohibited.
- Backend: one host[:port] serving submission (POST /), listing (GET /) and the transcript channel (/ws/<id>).
- Transcript: the live, append-only log of what the planner and operator agents do for one task id.
- Relay: a local stand-in for the backend, for development and demos.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HADES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default ./hades.yml when present)")
	pf.String("backend", "", "backend host[:port]")
	pf.Bool("tls", false, "use https and wss")
	pf.String("variant", "", "workflow variant: basic or subnetted")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "text or json")
	pf.String("log-file", "", "write logs to this file")
	pf.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "backend", "tls", "variant", "log-level", "log-format", "log-file", "json"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(injectCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig resolves flags and HADES_* env over the config file.
func loadConfig() (*config.Config, error) {
	o := app.Overrides{
		ConfigPath: viper.GetString("config"),
		Backend:    viper.GetString("backend"),
		Variant:    viper.GetString("variant"),
		LogLevel:   viper.GetString("log-level"),
		LogFormat:  viper.GetString("log-format"),
		LogFile:    viper.GetString("log-file"),
	}
	if viper.IsSet("tls") {
		tls := viper.GetBool("tls")
		o.TLS = &tls
	}
	return app.ResolveConfig(o)
}

// withConsole loads config and a logger. Interactive commands pass
// io.Discard as the fallback log writer so the screen stays clean.
func withConsole(fallback io.Writer, fn func(c *app.Console) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := app.OpenLogger(cfg, fallback)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)
	c, err := app.NewConsole(cfg, logger)
	if err != nil {
		return err
	}
	return fn(c)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the console configuration",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				var doc map[string]any
				if err := yaml.Unmarshal(out, &doc); err != nil {
					return err
				}
				return printJSON(map[string]any{
					"config":      doc,
					"submit_url":  cfg.SubmitURL(),
					"channel_url": cfg.ChannelURL("<id>"),
				})
			}
			fmt.Print(string(out))
			fmt.Printf("# submit: %s\n# channel: %s\n", cfg.SubmitURL(), cfg.ChannelURL("<id>"))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default hades.yml in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(".")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(viper.GetString("backend"))), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func printJSONOrTable(v any, table func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	table()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
