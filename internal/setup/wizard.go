// Package setup writes a starting wsbench configuration, either from
// defaults or through a short interactive wizard.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cortexuvula/wsbench/internal/config"
)

const defaultConfigPath = "./wsbench.yaml"

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath  string                   // Override default config path
	Interactive bool                     // Prompt for values instead of writing defaults
	Force       bool                     // Overwrite an existing file without asking
	CheckTarget func(io.Writer, string) // Override target reachability check (for testing)
}

// RunWizard writes a config file. In interactive mode it prompts for the
// values most runs change. It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg := config.DefaultConfig()

	if opts.Interactive {
		fmt.Fprintln(out, "wsbench setup")
		fmt.Fprintln(out, "=============")
		fmt.Fprintln(out)

		cfg.Target.URL = prompt(scanner, out,
			fmt.Sprintf("Target WebSocket URL [%s]: ", cfg.Target.URL), cfg.Target.URL)
		if u, err := url.Parse(cfg.Target.URL); err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
			fmt.Fprintf(out, "  WARNING: %q may not be a valid target URL (expected ws:// or wss://)\n\n", cfg.Target.URL)
		}

		check := checkTarget
		if opts.CheckTarget != nil {
			check = opts.CheckTarget
		}
		check(out, cfg.Target.URL)

		cfg.Target.Library = promptChoice(scanner, out, "Server label used in file names", cfg.Target.Library, nil)
		cfg.Target.Transport = promptChoice(scanner, out, "Client transport", cfg.Target.Transport, []string{"coder", "gorilla"})
		cfg.Workload.Pattern = promptChoice(scanner, out, "Workload pattern", cfg.Workload.Pattern, []string{"ping", "broadcast"})
		cfg.Ramp.BaselineClients = promptInt(scanner, out, "Baseline clients", cfg.Ramp.BaselineClients)
		cfg.Ramp.IncrementSize = promptInt(scanner, out, "Clients added per phase", cfg.Ramp.IncrementSize)
		cfg.Ramp.MaxClients = promptInt(scanner, out, "Maximum clients", cfg.Ramp.MaxClients)
		cfg.Output.Directory = prompt(scanner, out,
			fmt.Sprintf("Output directory [%s]: ", cfg.Output.Directory), cfg.Output.Directory)

		embedded := prompt(scanner, out, "Run the built-in reference server? [y/N]: ", "n")
		cfg.Server.Embedded = strings.HasPrefix(strings.ToLower(embedded), "y")
	}

	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		if !opts.Interactive {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
		}
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid answers: %w", err)
	}

	content, err := generateConfig(cfg)
	if err != nil {
		return err
	}
	if err := writeConfig(configPath, content); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(out, "Config written to %s\n", configPath)

	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if opts.Interactive {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Next steps:")
		fmt.Fprintf(out, "  Validate:   wsbench validate --config %s\n", configPath)
		fmt.Fprintf(out, "  Run:        wsbench run --config %s\n", configPath)
		if !cfg.Server.Embedded {
			fmt.Fprintln(out, "  Reference:  wsbench serve --addr 127.0.0.1:8080")
		}
	}
	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// promptChoice prompts until the answer is one of choices. An empty
// choices list accepts anything.
func promptChoice(scanner *bufio.Scanner, out io.Writer, label, defaultVal string, choices []string) string {
	message := fmt.Sprintf("%s [%s]: ", label, defaultVal)
	if len(choices) > 0 {
		message = fmt.Sprintf("%s (%s) [%s]: ", label, strings.Join(choices, "/"), defaultVal)
	}
	for {
		val := prompt(scanner, out, message, defaultVal)
		if len(choices) == 0 || val == defaultVal {
			return val
		}
		for _, c := range choices {
			if val == c {
				return val
			}
		}
		fmt.Fprintf(out, "  Invalid choice %q: must be one of %s\n", val, strings.Join(choices, ", "))
	}
}

// promptInt prompts for a positive integer, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptInt(scanner *bufio.Scanner, out io.Writer, label string, defaultVal int) int {
	def := strconv.Itoa(defaultVal)
	message := fmt.Sprintf("%s [%s]: ", label, def)
	for {
		val := prompt(scanner, out, message, def)
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
		fmt.Fprintf(out, "  Invalid number %q: must be a positive integer\n", val)
	}
}

// checkTarget tries a TCP connection to the target host.
func checkTarget(out io.Writer, target string) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		fmt.Fprintf(out, "  WARNING: %s is not reachable: %v\n", host, err)
		fmt.Fprintln(out, "  (This is OK if the server is not running yet)")
		fmt.Fprintln(out)
		return
	}
	c.Close()
	fmt.Fprintf(out, "  %s is reachable.\n\n", host)
}

// generateConfig renders cfg as YAML under a short header.
func generateConfig(cfg *config.Config) (string, error) {
	body, err := cfg.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return `# wsbench configuration
# Generated by: wsbench init
# Every value can be overridden with a WSBENCH_ environment variable,
# for example WSBENCH_TARGET_URL or WSBENCH_RAMP_MAX_CLIENTS.

` + string(body), nil
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
