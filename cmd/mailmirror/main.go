package main

import "github.com/brandon/mailmirror/cmd"

func main() {
	cmd.Execute()
}
