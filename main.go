package main

import "github.com/veletrix/warden/internal/cli"

func main() {
	cli.Execute()
}
