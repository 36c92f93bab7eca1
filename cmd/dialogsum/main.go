package main

import "github.com/zqkzzz/dialogue-summarization/cmd/dialogsum/cmd"

func main() {
	cmd.Execute()
}
