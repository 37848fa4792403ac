// The main package for the awx-archiver executable.
package main

import (
	"github.com/aviationwx/awx-archiver/cmd"
)

func main() {
	cmd.Execute()
}
