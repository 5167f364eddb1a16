package main

import "github.com/ppiankov/traceloom/internal/cli"

func main() {
	cli.Execute()
}
