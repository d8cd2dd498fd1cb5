package main

import "code-with-me/internal/cli"

func main() {
	cli.Execute()
}
