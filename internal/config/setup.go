package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// prompter reads answers line by line, falling back to defaults on empty input.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	eof bool
}

// RunSetupWizard asks for the essential settings on first run, validates
// them and saves the config.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	p := &prompter{in: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           mniam - First Run Setup            ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")

	for {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Game Server ──")

		cfg.Server.ListenAddress = p.promptString("Listen address (blank for all interfaces)", cfg.Server.ListenAddress)
		cfg.Server.Port = p.promptInt("Player TCP port", cfg.Server.Port)
		if cfg.Server.Port > 0 && !PortAvailable(cfg.Server.ListenAddress, cfg.Server.Port) {
			fmt.Fprintf(out, "⚠ Port %d is currently in use\n", cfg.Server.Port)
		}
		cfg.Server.ClientLimit = p.promptInt("Maximum clients", cfg.Server.ClientLimit)
		cfg.Server.ReadTimeoutMs = p.promptInt("Response read timeout (ms)", cfg.Server.ReadTimeoutMs)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Admin API ──")

		cfg.ApplicationData.API.Enabled = p.promptBool("Enable REST API", cfg.ApplicationData.API.Enabled)
		if cfg.ApplicationData.API.Enabled {
			cfg.ApplicationData.API.Port = p.promptInt("REST API port", cfg.ApplicationData.API.Port)
			cfg.ApplicationData.Security.APIToken = p.promptString("API bearer token", cfg.ApplicationData.Security.APIToken)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── MQTT Telemetry ──")

		cfg.ApplicationData.MQTT.Enabled = p.promptBool("Enable MQTT telemetry", cfg.ApplicationData.MQTT.Enabled)
		if cfg.ApplicationData.MQTT.Enabled {
			cfg.ApplicationData.MQTT.BrokerURL = p.promptString("MQTT broker host", cfg.ApplicationData.MQTT.BrokerURL)
			cfg.ApplicationData.MQTT.Port = p.promptInt("MQTT broker port", cfg.ApplicationData.MQTT.Port)
		}

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if p.eof || !p.promptBool("Would you like to try again?", true) {
			return errors.New("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "✓ Configuration saved to %s\n", cfg.Path())
	return nil
}

func (p *prompter) readLine() string {
	input, err := p.in.ReadString('\n')
	if err != nil {
		p.eof = true
	}
	return strings.TrimSpace(input)
}

func (p *prompter) promptString(prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.out, "  %s: ", prompt)
	}

	input := p.readLine()
	if input == "" {
		return defaultVal
	}
	return input
}

func (p *prompter) promptInt(prompt string, defaultVal int) int {
	fmt.Fprintf(p.out, "  %s [%d]: ", prompt, defaultVal)

	input := p.readLine()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p *prompter) promptBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.readLine())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
