package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/allaspectsdev/streamgate/internal/vault"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: streamgate keys <list|set|delete> [protocol]")
		os.Exit(1)
	}

	v := vault.New()

	switch args[0] {
	case "list":
		protocols, err := v.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing keys: %v\n", err)
			os.Exit(1)
		}
		if len(protocols) == 0 {
			fmt.Println("No API keys stored")
			return
		}
		for _, p := range protocols {
			fmt.Printf("  %s: ****\n", p)
		}

	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: streamgate keys set <openai|gemini|claude>")
			os.Exit(1)
		}
		protocol := strings.ToLower(args[1])
		fmt.Printf("Enter API key for %s: ", protocol)
		key, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(protocol, string(key)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s stored successfully\n", protocol)

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: streamgate keys delete <openai|gemini|claude>")
			os.Exit(1)
		}
		protocol := strings.ToLower(args[1])
		if err := v.Delete(protocol); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s deleted\n", protocol)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
