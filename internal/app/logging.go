package app

import (
	"fmt"
	"io"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/pairline/internal/config"
)

var log = logging.Logger("app")

// SetupLogging applies the logging section: global format and level, then
// per-subsystem overrides.
func SetupLogging(c config.Logging) error {
	lvl, err := logging.LevelFromString(orDefault(c.Level, "info"))
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	format := logging.PlaintextOutput
	switch c.Format {
	case "color":
		format = logging.ColorizedOutput
	case "json":
		format = logging.JSONOutput
	}

	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})

	for name, level := range c.Subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Warnf("logging.subsystems[%s]: %v", name, err)
		}
	}
	return nil
}

// pipeLogs copies every log line into w until the returned closer is closed.
func pipeLogs(w io.Writer) io.Closer {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		_, _ = io.Copy(w, pr)
	}()
	return pr
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
