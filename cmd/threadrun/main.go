// Command threadrun drives assistant conversations from the terminal or over
// HTTP.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	threadrun chat
//	threadrun serve --config threadrun.yaml
//	threadrun ask "What can you do?"
//	threadrun history
package main

import (
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
