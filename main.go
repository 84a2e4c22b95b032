package main

import "github.com/sazfasqq/jamespy/cmd"

func main() {
	cmd.Execute()
}
