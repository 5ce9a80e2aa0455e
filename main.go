package main

import "github.com/CosmoTheDev/sdlc-agent/cmd"

func main() {
	cmd.Execute()
}
