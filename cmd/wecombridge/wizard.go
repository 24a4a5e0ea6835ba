package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"wecombridge/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: credentials → upstream → server → save config",
		Long: "Guides you through the WeCom smart-bot credentials, the OpenClaw gateway address and\n" +
			"the listen address. Values may be ${VAR} references. Writes config to the path used by --config or default.",
		RunE: runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadRaw(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(label, def string) (string, error) {
		fmt.Fprint(os.Stdout, label)
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
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	yes := func(label string, def bool) (bool, error) {
		d := "n"
		if def {
			d = "y"
		}
		ans, err := prompt(label+" (y/n)", d)
		if err != nil {
			return false, err
		}
		return strings.HasPrefix(strings.ToLower(ans), "y"), nil
	}

	// Step 1: WeCom credentials
	fmt.Println("\n--- Step 1: WeCom smart bot ---")
	fmt.Println("From the bot's API settings page: Token and EncodingAESKey (43 characters).")
	if cfg.WeCom.Token, err = prompt("Token", cfg.WeCom.Token); err != nil {
		return err
	}
	for {
		key, err := prompt("EncodingAESKey", cfg.WeCom.EncodingAESKey)
		if err != nil {
			return err
		}
		if strings.HasPrefix(key, "${") || len(key) == 43 {
			cfg.WeCom.EncodingAESKey = key
			break
		}
		fmt.Printf("  EncodingAESKey must be 43 characters, got %d\n", len(key))
	}

	// Step 2: Upstream
	fmt.Println("\n--- Step 2: OpenClaw gateway ---")
	if cfg.Upstream.URL, err = prompt("Responses endpoint URL", cfg.Upstream.URL); err != nil {
		return err
	}
	if cfg.Upstream.Token, err = prompt("Bearer token (empty for none)", cfg.Upstream.Token); err != nil {
		return err
	}

	// Step 3: Server
	fmt.Println("\n--- Step 3: Callback server ---")
	host, err := prompt("Listen host", cfg.Server.Host)
	if err != nil {
		return err
	}
	cfg.Server.Host = host
	port, err := prompt("Listen port", strconv.Itoa(cfg.Server.Port))
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(port); err == nil {
		cfg.Server.Port = n
	}
	if cfg.Server.Path, err = prompt("Callback path", cfg.Server.Path); err != nil {
		return err
	}

	// Step 4: Optional features
	fmt.Println("\n--- Step 4: Features ---")
	if cfg.Media.Enabled, err = yes("Forward image messages", cfg.Media.Enabled); err != nil {
		return err
	}
	if cfg.Session.Enabled, err = yes("Enable /reset session commands", cfg.Session.Enabled); err != nil {
		return err
	}

	// Save
	resolved, err := config.Resolve(cfg)
	if err != nil {
		fmt.Printf("\nWarning: %v\n", err)
		fmt.Println("Saving anyway; set the missing environment variables before 'wecombridge serve'.")
	} else {
		logger.Info("config ok", configSummary(resolved)...)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Printf("Next: point the bot's callback URL at http://<public-host>:%d%s and run 'wecombridge serve'.\n",
		cfg.Server.Port, cfg.Server.Path)
	return nil
}
