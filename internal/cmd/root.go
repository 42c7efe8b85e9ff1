package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskhub",
	Short: "📡 Taskhub - realtime hub and MCP stream proxy",
	Long: `# 📡 Taskhub

**Realtime collaboration plumbing for the task board.**

## ✨ Features

- 🔌 **WebSocket hub** speaking the JSON hub protocol browsers already use
- 👥 **Project and team groups** with presence notifications
- 📬 **Event outbox** so CRUD writes never wait on slow clients
- 🔁 **MCP stream proxy** that keeps SSE sessions alive across backend restarts

## 🚀 Getting Started

Run **taskhub serve** to start the hub, or **taskhub mcp-proxy** to front an MCP server.

Use **taskhub token** to mint a development token.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (environment variables override it)")

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderMarkdownHelp(cmd)
	})
}

// isDev reports whether TASKHUB_DEV asks for console logs and debug output.
func isDev() bool {
	v := strings.ToLower(os.Getenv("TASKHUB_DEV"))
	return v == "true" || v == "1"
}

// renderMarkdownHelp renders command help through glamour
func renderMarkdownHelp(cmd *cobra.Command) {
	var helpContent strings.Builder

	if cmd.Long != "" {
		helpContent.WriteString(cmd.Long)
		helpContent.WriteString("\n\n")
	} else if cmd.Short != "" {
		helpContent.WriteString("# " + cmd.Short)
		helpContent.WriteString("\n\n")
	}

	helpContent.WriteString("## 📖 Usage\n\n")
	helpContent.WriteString("```bash\n")
	helpContent.WriteString(cmd.UseLine())
	helpContent.WriteString("\n```\n\n")

	if cmd.Example != "" {
		helpContent.WriteString("## 🎯 Examples\n\n")
		helpContent.WriteString("```bash\n")
		helpContent.WriteString(cmd.Example)
		helpContent.WriteString("\n```\n\n")
	}

	if cmd.HasAvailableSubCommands() {
		helpContent.WriteString("## 🔧 Available Commands\n\n")
		for _, subCmd := range cmd.Commands() {
			if subCmd.IsAvailableCommand() {
				helpContent.WriteString(fmt.Sprintf("- **%s** - %s\n", subCmd.Name(), subCmd.Short))
			}
		}
		helpContent.WriteString("\n")
	}

	if cmd.HasAvailableLocalFlags() {
		helpContent.WriteString("## ⚙️  Flags\n\n")
		if usages := cmd.LocalFlags().FlagUsages(); usages != "" {
			helpContent.WriteString("```\n")
			helpContent.WriteString(usages)
			helpContent.WriteString("```\n\n")
		}
	}

	if cmd.HasParent() && cmd.InheritedFlags().HasFlags() {
		helpContent.WriteString("## 🌐 Global Flags\n\n")
		if usages := cmd.InheritedFlags().FlagUsages(); usages != "" {
			helpContent.WriteString("```\n")
			helpContent.WriteString(usages)
			helpContent.WriteString("```\n\n")
		}
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Print(cmd.UsageString())
		return
	}

	rendered, err := renderer.Render(helpContent.String())
	if err != nil {
		fmt.Print(cmd.UsageString())
		return
	}

	fmt.Print(rendered)
}
