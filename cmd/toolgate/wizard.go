package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"toolgate/internal/config"

	"github.com/spf13/cobra"
)

// credentialMeta describes a provider credential the wizard asks for.
type credentialMeta struct {
	Name string
	Used string
}

var knownCredentials = []credentialMeta{
	{Name: "NEWSAPI_API_KEY", Used: "news: NewsAPI sources (optional, DuckDuckGo is used without it)"},
	{Name: "OPENAI_API_KEY", Used: "data analysis SQL generation and music prompt composition"},
	{Name: "MODELSLAB_API_KEY", Used: "music generation (billed per call)"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: listen address → credentials → alerts → save config",
		Long:  "Guides you through the listen address, provider credentials and Telegram alerts. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadOrDefaults(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	if cfg.Credentials.Values == nil {
		cfg.Credentials.Values = make(map[string]string)
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Listen address
	fmt.Println("\n--- Step 1: Listen address ---")
	fmt.Fprint(os.Stdout, "Host")
	host, err := prompt(cfg.Server.Host)
	if err != nil {
		return err
	}
	cfg.Server.Host = host
	fmt.Fprint(os.Stdout, "Port")
	portStr, err := prompt(strconv.Itoa(cfg.Server.Port))
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q", portStr)
	}
	cfg.Server.Port = port

	// Step 2: Credentials
	fmt.Println("\n--- Step 2: Provider credentials ---")
	fmt.Println("Leave blank to read the key from the environment at startup.")
	for _, c := range knownCredentials {
		fmt.Fprintf(os.Stdout, "  %s (%s)\n", c.Name, c.Used)
		if _, ok := os.LookupEnv(c.Name); ok {
			fmt.Fprintf(os.Stdout, "  already set in the environment\n")
		}
		fmt.Fprint(os.Stdout, "  Key")
		key, err := prompt("")
		if err != nil {
			return err
		}
		if key != "" {
			cfg.Credentials.Values[c.Name] = key
		}
	}

	// Step 3: Alerts
	fmt.Println("\n--- Step 3: Operator alerts ---")
	fmt.Fprint(os.Stdout, "Send internal errors to Telegram? (y/n)")
	yn, err := prompt("n")
	if err != nil {
		return err
	}
	if strings.HasPrefix(strings.ToLower(yn), "y") {
		cfg.Alerts.Telegram.Enabled = true
		fmt.Fprint(os.Stdout, "Telegram bot token (from @BotFather)")
		tok, err := prompt(cfg.Alerts.Telegram.Token)
		if err != nil {
			return err
		}
		cfg.Alerts.Telegram.Token = tok
		fmt.Fprint(os.Stdout, "Chat IDs, comma separated")
		ids, err := prompt(strings.Join(cfg.Alerts.Telegram.ChatIDs, ","))
		if err != nil {
			return err
		}
		cfg.Alerts.Telegram.ChatIDs = nil
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.Alerts.Telegram.ChatIDs = append(cfg.Alerts.Telegram.ChatIDs, id)
			}
		}
	} else {
		cfg.Alerts.Telegram.Enabled = false
	}

	// Save
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'toolgate doctor', then 'toolgate serve'.")
	return nil
}
