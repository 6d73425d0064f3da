package main

import "github.com/vietddude/muniwatch/internal/cli"

func main() {
	cli.Execute()
}
