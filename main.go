package main

import "github.com/mrzappu/deyvam-bot/cmd"

func main() {
	cmd.Execute()
}
