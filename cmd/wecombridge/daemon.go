package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"wecombridge/internal/config"

	"github.com/spf13/cobra"
)

const (
	serviceName  = "wecombridge"
	launchdLabel = "com.wecombridge.serve"
)

func installDaemonCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the bridge as a user service (launchd/systemd)",
		Long: "Generates and installs a service file that runs 'wecombridge serve' on login.\n" +
			"On Linux, secrets can be kept out of the config in an EnvironmentFile.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, cfgPath)
			case "linux":
				if envFile == "" {
					envFile = filepath.Join(config.DefaultConfigDir(), "env")
				}
				return installSystemd(execPath, cfgPath, envFile)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "systemd EnvironmentFile with WECOM_* and OPENCLAW_* variables (default: ~/.wecombridge/env)")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the bridge user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", path)
			return nil
		},
	}
}

func servicePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", serviceName+".service"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

func installLaunchd(execPath, cfgPath string) error {
	plistPath, err := servicePath()
	if err != nil {
		return err
	}
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	plist := strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(logDir, "wecombridge.log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "wecombridge-error.log"),
	).Replace(launchdTemplate)

	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func installSystemd(execPath, cfgPath, envFile string) error {
	unitPath, err := servicePath()
	if err != nil {
		return err
	}
	unit := strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{ENV_FILE}}", envFile,
	).Replace(systemdTemplate)

	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", unitPath)
	if _, err := os.Stat(envFile); err != nil {
		fmt.Printf("Create %s (mode 0600) with WECOM_TOKEN=..., WECOM_ENCODING_AES_KEY=..., OPENCLAW_API=...\n", envFile)
	}
	fmt.Printf("To start:  systemctl --user start %s\n", serviceName)
	fmt.Printf("To enable: systemctl --user enable %s\n", serviceName)
	fmt.Printf("To stop:   systemctl --user stop %s\n", serviceName)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=WeCom smart-bot bridge to OpenClaw
After=network-online.target

[Service]
Type=simple
EnvironmentFile=-{{ENV_FILE}}
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
