package main

import "github.com/goosewin/servebatch/cmd"

func main() {
	cmd.Execute()
}
