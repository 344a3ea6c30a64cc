// Command hash-token derives the pbkdf2 hash expected by the operator API's
// --api-token-hash flag from a plaintext bearer token.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"airtime/internal/api"
)

func main() {
	var token string
	flag.StringVar(&token, "token", "", "Bearer token to hash (read from stdin when omitted)")
	flag.Parse()

	if strings.TrimSpace(token) == "" {
		line, err := readTokenFromStdin()
		if err != nil {
			fatalf("read token: %v", err)
		}
		token = line
	}

	hash, err := api.HashToken(token)
	if err != nil {
		fatalf("hash token: %v", err)
	}
	if err := api.VerifyToken(hash, strings.TrimSpace(token)); err != nil {
		fatalf("verify generated hash: %v", err)
	}
	fmt.Println(hash)
}

func readTokenFromStdin() (string, error) {
	fmt.Fprintln(os.Stderr, "Enter token:")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", fmt.Errorf("token cannot be empty")
	}
	return trimmed, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
