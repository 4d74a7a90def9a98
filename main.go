package main

import "github.com/mpapenbr/iracelog-session-sync/cmd"

func main() {
	cmd.Execute()
}
