package ui

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	envNoColor = "NO_COLOR"
	envCI      = "CI"
	envTerm    = "TERM"
)

var configureOnce sync.Once

// Configure picks the color profile once for the process. Plain output is
// used when stdout is not a terminal, under CI, or when NO_COLOR is set.
func Configure() {
	configureOnce.Do(func() {
		if colorCapable() {
			lipgloss.SetColorProfile(termenv.ColorProfile())
			return
		}
		lipgloss.SetColorProfile(termenv.Ascii)
	})
}

func colorCapable() bool {
	if os.Getenv(envNoColor) != "" || envTruthy(envCI) {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(envTerm)), "dumb") {
		return false
	}
	return stdoutIsTerminal()
}

func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func envTruthy(key string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
