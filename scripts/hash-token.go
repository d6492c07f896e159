package main

import (
	"fmt"
	"os"

	"github.com/pixelpets/gasless/internal/util"
)

// Prints the API_TOKEN_HASH value for a token. With no argument a fresh token is generated.
func main() {
	token := ""
	if len(os.Args) >= 2 {
		token = os.Args[1]
	} else {
		var err error
		if token, err = util.GenerateToken(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("token: %s\n", token)
	}

	fmt.Printf("API_TOKEN_HASH=%s\n", util.HashToken(token))
}
