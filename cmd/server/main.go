package main

import (
	"os"

	"flowchat/internal/app"
)

// @title           flowchat API
// @version         1.0
// @description     Chat backend that streams replies from an OpenAI-compatible completions service.
// @BasePath        /api
func main() {
	os.Exit(app.Run())
}
