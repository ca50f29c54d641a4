package main

import "tsxstudio/cmd/desktop/cmd"

func main() {
	cmd.Execute()
}
