package main

import "github.com/vanpelt/taskhub/internal/cmd"

// @title Taskhub API
// @version 1.0
// @description Realtime hub and MCP stream proxy for the task board
// @BasePath /
func main() {
	cmd.Execute()
}
