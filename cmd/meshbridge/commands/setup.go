package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/avalkov/meshbridge/pkg/meshbridge/config"
)

// newSetupCmd creates the `meshbridge setup` interactive wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Long: `Walk through broker, AI and email settings and write config.yaml.
Secrets go to the OS keyring when one is available; the written config
never contains them.`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("setup needs an interactive terminal; set MQTT_HOST, GEMINI_API_KEY etc. instead")
	}

	cfg := config.Default()
	mqttPort := strconv.Itoa(cfg.MQTT.Port)
	var geminiKey, emailPassword string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("MQTT broker host").
				Value(&cfg.MQTT.Host),
			huh.NewInput().
				Title("MQTT broker port").
				Value(&mqttPort).
				Validate(validatePort),
			huh.NewInput().
				Title("MQTT username (empty for anonymous)").
				Value(&cfg.MQTT.Username),
			huh.NewInput().
				Title("MQTT password").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.MQTT.Password),
			huh.NewInput().
				Title("Mesh region (topic segment, e.g. EU or US)").
				Value(&cfg.MQTT.Region),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gemini API key").
				EchoMode(huh.EchoModePassword).
				Validate(required("an API key")).
				Value(&geminiKey),
			huh.NewInput().
				Title("Gemini model").
				Value(&cfg.AI.Model),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the email relay?").
				Value(&cfg.Email.Enabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Email address the bot sends as").
				Value(&cfg.Email.Address),
			huh.NewInput().
				Title("Email app password").
				EchoMode(huh.EchoModePassword).
				Value(&emailPassword),
		).WithHideFunc(func() bool { return !cfg.Email.Enabled }),
	)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.MQTT.Port, _ = strconv.Atoi(mqttPort)

	// Secrets go to the keyring when available, otherwise into the
	// config file itself.
	if err := config.StoreSecret("gemini_api_key", geminiKey); err != nil {
		fmt.Println("Keyring unavailable; storing the API key in config.yaml.")
		cfg.AI.APIKey = geminiKey
	}
	if cfg.Email.Enabled && emailPassword != "" {
		if err := config.StoreSecret("email_password", emailPassword); err != nil {
			cfg.Email.Password = emailPassword
		}
	}

	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s. Start the bridge with: meshbridge serve\n", configPath)
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("enter a port between 1 and 65535")
	}
	return nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("enter %s", what)
		}
		return nil
	}
}
