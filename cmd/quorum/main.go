// Quorum is a multi-provider LLM orchestration engine.
//
// It dispatches one prompt across several language models, runs staged
// analysis patterns over their answers, and synthesises the results,
// with circuit breaking, caching, fallback cascades, and adaptive
// concurrency throughout.
//
// Usage:
//
//	# Start the HTTP server with a configuration file
//	quorum run --config config.yaml
//
//	# Validate a configuration file
//	quorum validate --config config.yaml
//
//	# List the builtin analysis patterns
//	quorum patterns
//
//	# Show version information
//	quorum version
package main

func main() {
	Execute()
}
