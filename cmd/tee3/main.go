package main

import "github.com/gematik/tee3/cmd/tee3/cmd"

func main() {
	cmd.Execute()
}
