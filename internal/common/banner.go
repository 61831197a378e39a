package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ternarybob/banner"
)

var docketArt = []string{
	` 8888888b.   .d88888b.   .d8888b.  888    d8P  8888888888 88888888888`,
	` 888  "Y88b d88P" "Y88b d88P  Y88b 888   d8P   888            888`,
	` 888    888 888     888 888    888 888  d8P    888            888`,
	` 888    888 888     888 888        888d88K     8888888        888`,
	` 888    888 888     888 888        8888888b    888            888`,
	` 888    888 888     888 888    888 888  Y88b   888            888`,
	` 888  .d88P Y88b. .d88P Y88b  d88P 888   Y88b  888            888`,
	` 8888888P"   "Y88888P"   "Y8888P"  888    Y88b 8888888888     888`,
}

const bannerText = banner.ColorBold + banner.ColorWhite

func rule(width int) string {
	return banner.ColorCyan + strings.Repeat("═", width) + banner.ColorReset
}

func bannerLine(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, bannerText+format+banner.ColorReset+"\n", args...)
}

// PrintBanner displays the application startup banner to stderr.
func PrintBanner(config *Config, logger *Logger) {
	version := GetVersion()
	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)
	eventsURL := fmt.Sprintf("ws://%s:%d/api/events/jobs", config.Server.Host, config.Server.Port)
	hr := rule(70)

	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)
	for _, line := range docketArt {
		bannerLine("%s", line)
	}
	fmt.Fprintf(os.Stderr, "\n")
	bannerLine("  Case Email Job Subsystem")
	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)

	for _, kv := range [][2]string{
		{"Version", version},
		{"Build", GetBuild()},
		{"Commit", GetGitCommit()},
		{"Environment", config.Environment},
		{"Service URL", serviceURL},
		{"Event Feed", eventsURL},
		{"Job Store", config.Storage.Engine},
		{"Workers", strconv.Itoa(len(config.Workers))},
	} {
		bannerLine("  %-16s %s", kv[0], kv[1])
	}

	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)

	logger.Info().
		Str("version", version).
		Str("environment", config.Environment).
		Str("service_url", serviceURL).
		Str("job_store", config.Storage.Engine).
		Int("workers", len(config.Workers)).
		Msg("Application started")
}

// PrintShutdownBanner displays the application shutdown banner to stderr.
func PrintShutdownBanner(logger *Logger) {
	hr := rule(42)

	fmt.Fprintf(os.Stderr, "\n%s\n", hr)
	bannerLine("  DOCKET — SHUTTING DOWN")
	fmt.Fprintf(os.Stderr, "%s\n\n", hr)

	logger.Info().Msg("Application shutting down")
}
