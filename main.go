// The main package for the progressrelay executable.
package main

import (
	"github.com/JakeFAU/ffmpeg-progress-relay/cmd"
)

func main() {
	cmd.Execute()
}
