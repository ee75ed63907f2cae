package main

import "github.com/papapumpkin/accretion/cmd"

func main() {
	cmd.Execute()
}
