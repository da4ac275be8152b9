package main

import "github.com/sentrahq/sentra/cmd"

func main() {
	cmd.Execute()
}
