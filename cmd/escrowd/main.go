package main

import "github.com/vietddude/escrowd/internal/cli"

func main() {
	cli.Execute()
}
