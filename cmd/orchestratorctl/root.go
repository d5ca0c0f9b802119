package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	sdk "Orchestrator-Core/sdk/go/orchestrator"
)

// settings are resolved from flags, ORCHCTL_* environment variables and
// ~/.config/orchestratorctl/config.yaml, in that order.
type settings struct {
	Server  string        `mapstructure:"server"`
	Timeout time.Duration `mapstructure:"timeout"`
	Output  string        `mapstructure:"output"`
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "orchestratorctl",
		Short:         "Submit and inspect orchestrated tasks",
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("server", "http://localhost:8080", "orchestrator base URL")
	root.PersistentFlags().Duration("timeout", 15*time.Second, "HTTP timeout per request")
	root.PersistentFlags().StringP("output", "o", "text", "output format: text or json")
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))
	_ = v.BindPFlag("output", root.PersistentFlags().Lookup("output"))

	app := &app{viper: v}
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return app.init()
	}

	root.AddCommand(
		newSubmitCmd(app),
		newGetCmd(app),
		newCancelCmd(app),
		newListCmd(app),
		newAggregateCmd(app),
		newRoutesCmd(app),
		newHealthCmd(app),
	)
	return root
}

type app struct {
	viper    *viper.Viper
	settings settings
	client   *sdk.Client
}

func (a *app) init() error {
	s, err := loadSettings(a.viper, configDir())
	if err != nil {
		return err
	}
	client, err := sdk.NewClient(s.Server, nil)
	if err != nil {
		return err
	}
	a.settings = s
	a.client = client
	return nil
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "orchestratorctl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "orchestratorctl")
}

func loadSettings(v *viper.Viper, dir string) (settings, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return settings{}, fmt.Errorf("reading config: %w", err)
		}
	}
	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("timeout", 15*time.Second)
	v.SetDefault("output", "text")
	v.SetEnvPrefix("ORCHCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, key := range []string{"server", "timeout", "output"} {
		if err := v.BindEnv(key); err != nil {
			return settings{}, err
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	s.Output = strings.ToLower(s.Output)
	if s.Output != "text" && s.Output != "json" {
		return settings{}, fmt.Errorf("unsupported output format %q", s.Output)
	}
	return s, nil
}
