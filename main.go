package main

import "github.com/chaos-io/facecrop/cmd"

func main() {
	cmd.Execute()
}
