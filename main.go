package main

import "github.com/metraction/vidi/cmd"

func main() {
	cmd.Execute()
}
