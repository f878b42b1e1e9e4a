package agent

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Config controls streamer construction.
type Config struct {
	Mode    string
	CLIPath string
}

func NewStreamer(cfg Config) (Streamer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		cliPath := strings.TrimSpace(cfg.CLIPath)
		if cliPath != "" {
			if _, err := exec.LookPath(cliPath); err == nil {
				return NewCLIStreamer(cliPath), nil
			}
		}
		return NewMockStreamer(), nil
	case "cli":
		if strings.TrimSpace(cfg.CLIPath) == "" {
			return nil, errors.New("agent CLI path is required for cli mode")
		}
		return NewCLIStreamer(cfg.CLIPath), nil
	case "mock":
		return NewMockStreamer(), nil
	default:
		return nil, fmt.Errorf("unsupported agent mode %q", cfg.Mode)
	}
}
