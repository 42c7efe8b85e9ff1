package handlers

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/mattn/go-isatty"
)

// Color constants for terminal output
const (
	cBlack   = "\u001b[90m"
	cRed     = "\u001b[91m"
	cGreen   = "\u001b[92m"
	cYellow  = "\u001b[93m"
	cBlue    = "\u001b[94m"
	cMagenta = "\u001b[95m"
	cCyan    = "\u001b[96m"
	cWhite   = "\u001b[97m"
	cReset   = "\u001b[0m"
)

// getStatusColor returns the appropriate color for HTTP status codes
func getStatusColor(status int, enableColors bool) string {
	if !enableColors {
		return ""
	}

	switch {
	case status >= 200 && status < 300:
		return cGreen
	case status >= 300 && status < 400:
		return cBlue
	case status >= 400 && status < 500:
		return cYellow
	default:
		return cRed
	}
}

// getMethodColor returns the appropriate color for HTTP methods
func getMethodColor(method string, enableColors bool) string {
	if !enableColors {
		return ""
	}

	switch method {
	case "GET":
		return cCyan
	case "POST":
		return cGreen
	case "PUT":
		return cYellow
	case "DELETE":
		return cRed
	case "PATCH":
		return cMagenta
	case "HEAD":
		return cBlue
	case "OPTIONS":
		return cWhite
	default:
		return cReset
	}
}

// SamplingConfig selects the paths SamplingLogger thins out.
type SamplingConfig struct {
	// Every is how many requests to a sampled path make one log line.
	Every uint64
	// Paths are sampled; every other path is logged on each request.
	Paths []string
	// Output defaults to stdout.
	Output io.Writer
}

// SamplingLogger creates an access log middleware that only logs every Nth
// request to high-frequency paths such as health probes.
func SamplingLogger(cfg SamplingConfig) fiber.Handler {
	if cfg.Every == 0 {
		cfg.Every = 10
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	counters := make(map[string]uint64, len(cfg.Paths))
	for _, p := range cfg.Paths {
		counters[p] = 0
	}
	var counterMu sync.Mutex

	enableColors := false
	if f, ok := out.(*os.File); ok {
		enableColors = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") != "1" && os.Getenv("TERM") != "dumb"
	}

	defaultLogger := logger.New(logger.Config{
		Format:        "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		Output:        out,
		DisableColors: !enableColors,
	})

	return func(c *fiber.Ctx) error {
		path := c.Path()

		counterMu.Lock()
		count, sampled := counters[path]
		if sampled {
			count++
			counters[path] = count
			if count >= cfg.Every {
				counters[path] = 0
			}
		}
		counterMu.Unlock()

		if !sampled {
			return defaultLogger(c)
		}
		if count < cfg.Every {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		status := c.Response().StatusCode()
		method := c.Method()
		resetColor := ""
		if enableColors {
			resetColor = cReset
		}

		// same layout as the default logger
		fmt.Fprintf(out, "%s | %s%d%s | %13s | %s | %s%s%s | %s | - [sampled: %d calls]\n",
			time.Now().Format("15:04:05"),
			getStatusColor(status, enableColors),
			status,
			resetColor,
			duration,
			c.IP(),
			getMethodColor(method, enableColors),
			method,
			resetColor,
			path,
			count)

		return err
	}
}
