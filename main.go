package main

import "github.com/dayuer/stickerbot/cmd"

func main() {
	cmd.Execute()
}
